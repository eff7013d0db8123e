package persona

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mira.md", `---
persona:
  name: Mira
  user_name: Sam
background:
  enabled: true
  quiet_start: "23:00"
  quiet_end: "07:00"
---
A barista who loves bad puns.
`)
	writeFile(t, dir, "june.yaml", `
id: june-chat
persona:
  name: June
  description: A retired astronomer.
model: claude-haiku
background:
  schedule:
    - id: morning
      at: "08:00"
      recurrence: daily
      enabled: true
      hint: good morning check-in
`)
	writeFile(t, dir, "notes.txt", "ignored")

	configs, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("loaded %d configs", len(configs))
	}

	june, mira := configs[0], configs[1]
	if june.ID != "june-chat" || june.Model != "claude-haiku" || june.Background.Schedule[0].Hint != "good morning check-in" {
		t.Errorf("june = %+v", june)
	}
	if mira.ID != "mira" || mira.Persona.Description != "A barista who loves bad puns." {
		t.Errorf("mira = %+v", mira.Persona)
	}
	if !mira.Background.Enabled || mira.Background.QuietStart != "23:00" {
		t.Errorf("mira background = %+v", mira.Background)
	}
}

func TestLoad_MissingDir(t *testing.T) {
	configs, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil || configs != nil {
		t.Errorf("Load(missing) = %v, %v", configs, err)
	}
}

func TestLoad_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: same\npersona: {name: A}\n")
	writeFile(t, dir, "b.yaml", "id: same\npersona: {name: B}\n")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "already defined") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  conversation.Config
		want string
	}{
		{"ok", conversation.Config{ID: "x", Persona: conversation.Persona{Name: "X"}}, ""},
		{"no name", conversation.Config{ID: "x"}, "persona.name"},
		{"bad quiet", conversation.Config{ID: "x", Persona: conversation.Persona{Name: "X"},
			Background: conversation.Background{QuietStart: "25:00", QuietEnd: "07:00"}}, "quiet hours"},
		{"bad recurrence", conversation.Config{ID: "x", Persona: conversation.Persona{Name: "X"},
			Background: conversation.Background{Schedule: []conversation.ScheduleEntry{{ID: "a", At: "08:00", Recurrence: "weekly"}}}}, "recurrence"},
		{"duplicate entry", conversation.Config{ID: "x", Persona: conversation.Persona{Name: "X"},
			Background: conversation.Background{Schedule: []conversation.ScheduleEntry{{ID: "a", At: "08:00"}, {ID: "a", At: "09:00"}}}}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSplitFrontmatter(t *testing.T) {
	tests := []struct {
		in, front, body string
	}{
		{"---\nid: a\n---\nHello", "id: a", "Hello"},
		{"Just text", "", "Just text"},
		{"---\nid: a\nno close", "", "---\nid: a\nno close"},
	}
	for _, tt := range tests {
		front, body := splitFrontmatter(tt.in)
		if front != tt.front || body != tt.body {
			t.Errorf("splitFrontmatter(%q) = %q, %q", tt.in, front, body)
		}
	}
}

func TestSeed(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.PutConfig(ctx, &conversation.Config{ID: "old", Persona: conversation.Persona{Name: "Before"}, CreatedAt: created})

	configs := []*conversation.Config{
		{ID: "old", Persona: conversation.Persona{Name: "After"}},
		{ID: "new", Persona: conversation.Persona{Name: "Fresh"}},
	}
	n, err := Seed(ctx, st, configs, false, nil)
	if err != nil || n != 1 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	old, _ := st.Config(ctx, "old")
	if old.Persona.Name != "Before" {
		t.Error("existing config overwritten without overwrite")
	}

	n, err = Seed(ctx, st, configs, true, nil)
	if err != nil || n != 2 {
		t.Fatalf("Seed overwrite = %d, %v", n, err)
	}
	old, _ = st.Config(ctx, "old")
	if old.Persona.Name != "After" || !old.CreatedAt.Equal(created) {
		t.Errorf("old = %+v", old)
	}
}
