package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/companion/internal/config"
	"github.com/nugget/companion/internal/persona"
)

func TestConfigExample_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}
	if cfg.PersonaDir != "personas" {
		t.Errorf("persona_dir = %q", cfg.PersonaDir)
	}
}

func TestPersonaExample_Valid(t *testing.T) {
	cfg, err := persona.Parse("mira", ".md", PersonaMD)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Persona.Name != "Mira" || cfg.Persona.Description == "" || len(cfg.Background.Schedule) != 1 {
		t.Errorf("persona = %+v", cfg)
	}
}
