package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/companion/internal/defaults"
)

// runInit initializes a working directory with a default config and an
// example persona. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing companion workspace in %s\n", dir)

	for _, sub := range []string{"data", "personas"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
		perm    os.FileMode
	}{
		{filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600},
		{filepath.Join(dir, "personas", "mira.md"), defaults.PersonaMD, 0o644},
	}
	for _, f := range files {
		written, err := writeIfMissing(f.path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", f.path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", f.path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and personas/mira.md, then run: companion serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. The config is written 0600 because it may carry API
// keys.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
