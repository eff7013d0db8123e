package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/nugget/companion/internal/config"
	"github.com/nugget/companion/internal/defaults"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Companion ") {
		t.Errorf("version output = %q, want Companion prefix", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	for _, args := range [][]string{
		{"-o", "json", "version"},
		{"--output=json", "version"},
		{"-o=json", "version"},
	} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		var info map[string]string
		if err := json.Unmarshal(out.Bytes(), &info); err != nil {
			t.Fatalf("run %v: output is not JSON: %v\n%s", args, err, out.String())
		}
		if info["version"] == "" || info["go_version"] == "" {
			t.Errorf("run %v: info = %v, want version and go_version", args, info)
		}
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		for _, want := range []string{"Usage:", "serve", "say", "-config"} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("run %v: usage missing %q", args, want)
			}
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"dance"}, "unknown command: dance"},
		{"unknown flag", []string{"-verbose", "version"}, "unknown flag: -verbose"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"say without text", []string{"say", "mira"}, "usage: companion say"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, sub := range []string{"data", "personas"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			t.Errorf("expected directory %s: %v", sub, err)
		} else if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	perms := map[string]os.FileMode{
		"config.yaml":                        0o600,
		filepath.Join("personas", "mira.md"): 0o644,
	}
	for name, want := range perms {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %o, want %o", name, got, want)
		}
	}

	if !strings.Contains(buf.String(), "✓") {
		t.Error("output missing ✓ marker for created files")
	}

	// The written config must load and validate as-is.
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config invalid: %v", err)
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit failed: %v", err)
	}

	sentinel := []byte("# sentinel\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Error("output missing 'exists, skipping' for pre-existing files")
	}

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestCreateCompleter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("no providers", func(t *testing.T) {
		cfg := config.Default()
		cfg.Ollama.URL = ""
		if c := createCompleter(cfg, logger); c != nil {
			t.Errorf("createCompleter = %v, want nil", c)
		}
		if c := completerOrNil(nil); c != nil {
			t.Errorf("completerOrNil(nil) = %v, want untyped nil", c)
		}
	})

	t.Run("all providers", func(t *testing.T) {
		cfg := config.Default()
		cfg.OpenAI = config.OpenAIConfig{BaseURL: "http://openai.invalid/v1", APIKey: "k"}
		cfg.Anthropic = config.AnthropicConfig{APIKey: "k"}
		cfg.Models.Available = []config.ModelConfig{
			{Name: "qwen3:8b", Provider: "ollama"},
			{Name: "gpt-4o-mini", Provider: "openai"},
		}

		c := createCompleter(cfg, logger)
		if c == nil {
			t.Fatal("createCompleter returned nil")
		}
		if got := c.Providers(); got != 3 {
			t.Errorf("Providers() = %d, want 3", got)
		}
		var names []string
		for name := range c.Pingers() {
			names = append(names, name)
		}
		sort.Strings(names)
		if got := strings.Join(names, ","); got != "anthropic,ollama,openai" {
			t.Errorf("pingers = %s, want anthropic,ollama,openai", got)
		}
	})
}

func TestRun_Say(t *testing.T) {
	var chats atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		chats.Add(1)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"hey sam"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" || how is the cello going?"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	personaDir := filepath.Join(dir, "personas")
	if err := os.MkdirAll(personaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(personaDir, "mira.md"), defaults.PersonaMD, 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf(`
ollama:
  url: %s
models:
  default: qwen3:8b
  provider: ollama
scheduler:
  enabled: true
data_dir: %s
persona_dir: %s
log_level: warn
`, srv.URL, filepath.Join(dir, "data"), personaDir)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	args := []string{"-config", cfgPath, "say", "mira", "hi", "there"}
	if err := run(context.Background(), &out, io.Discard, args); err != nil {
		t.Fatalf("run say: %v", err)
	}

	want := "hey sam\nhow is the cello going?\n"
	if out.String() != want {
		t.Errorf("say output = %q, want %q", out.String(), want)
	}
	if got := chats.Load(); got != 1 {
		t.Errorf("chat requests = %d, want 1", got)
	}

	// A second run reuses the stored conversation.
	out.Reset()
	args = []string{"-config", cfgPath, "-o", "json", "say", "mira", "again"}
	if err := run(context.Background(), &out, io.Discard, args); err != nil {
		t.Fatalf("second run say: %v", err)
	}
	var outcome struct {
		Admitted bool `json:"admitted"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out.Bytes(), &outcome); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if !outcome.Admitted || len(outcome.Messages) != 2 {
		t.Errorf("outcome = %+v, want admitted with 2 messages", outcome)
	}
}

func TestRun_SayUnknownConversation(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf("data_dir: %s\nlog_level: error\n", filepath.Join(dir, "data"))
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", cfgPath, "say", "nobody", "hello"})
	if err == nil || !strings.Contains(err.Error(), "post message") {
		t.Errorf("err = %v, want post message failure", err)
	}
}
