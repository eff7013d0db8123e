package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/orchestrator"
)

// runSay posts one user message to a conversation, generates the reply
// and prints the bubbles. The background scheduler does not run.
func runSay(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Scheduler.Enabled = false
	logger := configuredLogger(stderr, cfg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := buildEngine(cfg, orchestrator.Deps{
		Store:     st,
		Completer: completerOrNil(createCompleter(cfg, logger)),
		Logger:    logger.With("component", "engine"),
	})

	if _, err := engine.PostMessage(ctx, id, text, conversation.TypeText); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	out, err := engine.RequestReply(ctx, id)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if !out.Admitted {
		return errors.New("a reply is already being generated for this conversation")
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, m := range out.Messages {
		switch m.Type {
		case conversation.TypeText:
			fmt.Fprintln(stdout, m.Content)
		default:
			fmt.Fprintf(stdout, "[%s] %s\n", m.Type, m.Content)
		}
	}
	return nil
}
