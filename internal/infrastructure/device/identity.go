// Package device manages the per-installation device identity. The ID keeps
// logical clock tie-breaking deterministic across devices, so it must stay
// stable for the lifetime of the installation.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultIDPath returns the default device ID location under the user's
// home directory.
func DefaultIDPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".tidal", "device_id"), nil
}

// LoadOrCreate returns the persisted device ID, minting and persisting a new
// UUID on first run. An unreadable or malformed file is an error rather than
// a silent re-mint: a changed device ID re-orders conflict tie-breaks.
func LoadOrCreate(path string) (string, error) {
	if path == "" {
		var err error
		path, err = DefaultIDPath()
		if err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("device ID file %s is malformed: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("could not read device ID: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("could not create device ID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("could not persist device ID: %w", err)
	}
	return id, nil
}
