package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceID returns the identity stamped on rows written by this machine.
// A configured id wins; otherwise a UUID is generated once and persisted
// under the data directory.
func (c Config) DeviceID() (string, error) {
	if c.General.DeviceID != "" {
		return c.General.DeviceID, nil
	}

	path := filepath.Join(c.DataDir(), "device_id")
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed from the data dir
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	if err := os.MkdirAll(c.DataDir(), 0o750); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}
	return id, nil
}
