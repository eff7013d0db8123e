package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/companion/internal/conversation"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// TranscriptMarkdown renders a conversation log as Markdown, one
// paragraph per bubble. Error messages are included in italics so a
// reader sees what failed.
func TranscriptMarkdown(cfg *conversation.Config, log []conversation.Message) string {
	user := cfg.Persona.UserName
	if user == "" {
		user = "You"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", cfg.Persona.Name)
	for _, m := range log {
		speaker := user
		if m.Role == conversation.RoleAssistant {
			speaker = cfg.Persona.Name
		}
		stamp := m.Timestamp.Format("Jan 2 15:04")
		fmt.Fprintf(&sb, "**%s** · %s\n", speaker, stamp)

		switch m.Type {
		case conversation.TypeError:
			fmt.Fprintf(&sb, "*%s*\n\n", m.Content)
		case conversation.TypeDirective:
			if d := m.Directive; d != nil {
				fmt.Fprintf(&sb, "> %s: %s (%d min)\n\n", d.Name, d.Label, d.Duration)
			}
		default:
			fmt.Fprintf(&sb, "%s\n\n", m.Content)
		}
	}
	return sb.String()
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.deps.Store.Config(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	log, err := s.deps.Store.Messages(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	md := TranscriptMarkdown(cfg, log)

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)
		return
	}

	var buf bytes.Buffer
	if err := transcriptMarkdown.Convert([]byte(md), &buf); err != nil {
		s.logger.Error("render transcript failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 40em; margin: auto;">
%s
</body></html>`, html.EscapeString(cfg.Persona.Name), buf.String())
}
