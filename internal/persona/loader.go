// Package persona loads conversation definitions from a directory and
// seeds them into the store.
//
// A definition is either a YAML file holding a conversation config, or
// a Markdown file whose YAML frontmatter holds the config and whose body
// becomes the persona description. The file name without extension is
// the conversation ID unless the config sets one.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/scheduler"
	"github.com/nugget/companion/internal/store"
)

// Load reads every definition in dir, sorted by file name. A missing
// directory yields no definitions.
func Load(dir string) ([]*conversation.Config, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".md":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []*conversation.Config
	seen := make(map[string]string)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read persona %s: %w", f, err)
		}
		cfg, err := Parse(strings.TrimSuffix(f, filepath.Ext(f)), filepath.Ext(f), data)
		if err != nil {
			return nil, fmt.Errorf("persona %s: %w", f, err)
		}
		if prev, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("persona %s: id %q already defined by %s", f, cfg.ID, prev)
		}
		seen[cfg.ID] = f
		out = append(out, cfg)
	}
	return out, nil
}

// Parse decodes one definition. ext selects the format; id is used when
// the definition has none.
func Parse(id, ext string, data []byte) (*conversation.Config, error) {
	var cfg conversation.Config
	raw, body := string(data), ""
	if ext == ".md" {
		raw, body = splitFrontmatter(raw)
	}
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if body != "" && cfg.Persona.Description == "" {
		cfg.Persona.Description = body
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the Markdown body. Without a closed block everything is body.
func splitFrontmatter(s string) (front, body string) {
	if !strings.HasPrefix(s, "---\n") {
		return "", strings.TrimSpace(s)
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", strings.TrimSpace(s)
	}
	front = rest[:end]
	body = rest[end+len("\n---"):]
	return front, strings.TrimSpace(body)
}

// Validate checks the fields the engine relies on.
func Validate(cfg *conversation.Config) error {
	var errs []error
	if cfg.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(cfg.Persona.Name) == "" {
		errs = append(errs, errors.New("persona.name is required"))
	}
	bg := cfg.Background
	if bg.IdleMinMinutes < 0 || bg.IdleMaxMinutes < 0 {
		errs = append(errs, errors.New("background idle minutes must not be negative"))
	}
	for _, clock := range []string{bg.QuietStart, bg.QuietEnd} {
		if clock == "" {
			continue
		}
		if _, err := scheduler.ParseClock(clock); err != nil {
			errs = append(errs, fmt.Errorf("background quiet hours: %w", err))
		}
	}
	ids := make(map[string]bool)
	for i, e := range bg.Schedule {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("schedule[%d]: id is required", i))
		} else if ids[e.ID] {
			errs = append(errs, fmt.Errorf("schedule[%d]: duplicate id %q", i, e.ID))
		}
		ids[e.ID] = true
		if _, err := scheduler.ParseClock(e.At); err != nil {
			errs = append(errs, fmt.Errorf("schedule[%d]: %w", i, err))
		}
		switch e.Recurrence {
		case conversation.RecurOnce, conversation.RecurDaily, "":
		default:
			errs = append(errs, fmt.Errorf("schedule[%d]: unknown recurrence %q", i, e.Recurrence))
		}
	}
	return errors.Join(errs...)
}

// ConfigStore is the part of the store seeding needs.
type ConfigStore interface {
	Config(ctx context.Context, id string) (*conversation.Config, error)
	PutConfig(ctx context.Context, cfg *conversation.Config) error
}

// Seed stores each config that is not already present. With overwrite
// set, existing configs are replaced but keep their creation time.
// It returns the number of configs written.
func Seed(ctx context.Context, st ConfigStore, configs []*conversation.Config, overwrite bool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var written int
	for _, cfg := range configs {
		existing, err := st.Config(ctx, cfg.ID)
		switch {
		case err == nil && !overwrite:
			logger.Debug("persona already seeded", "conversation_id", cfg.ID)
			continue
		case err == nil:
			cfg.CreatedAt = existing.CreatedAt
		case !errors.Is(err, store.ErrNotFound):
			return written, fmt.Errorf("check %s: %w", cfg.ID, err)
		}
		if err := st.PutConfig(ctx, cfg); err != nil {
			return written, fmt.Errorf("seed %s: %w", cfg.ID, err)
		}
		logger.Info("persona seeded", "conversation_id", cfg.ID, "persona", cfg.Persona.Name)
		written++
	}
	return written, nil
}
