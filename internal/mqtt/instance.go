package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID returns a stable MQTT client ID of the form
// "<prefix>-<suffix>". The suffix is a UUIDv7 persisted in dataDir so
// restarts resume the same broker session and several instances on one
// broker never collide.
func LoadOrCreateClientID(dataDir, prefix string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	if data, err := os.ReadFile(path); err == nil {
		if suffix := strings.TrimSpace(string(data)); suffix != "" {
			return prefix + "-" + suffix, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}
	// The tail of a v7 UUID is random; the head is a timestamp.
	suffix := strings.ReplaceAll(id.String(), "-", "")[20:]
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(suffix+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}
	return prefix + "-" + suffix, nil
}
