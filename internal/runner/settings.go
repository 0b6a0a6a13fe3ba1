// Package runner is the per-machine supervisor: it owns the hub socket,
// spawns and watches agent CLI sessions, exposes a local control surface,
// and keeps exactly one runner alive per data root.
package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Settings is the runner's persisted identity, stored as settings.json in
// the data root. The file holds the CLI token, so mode 0600.
type Settings struct {
	MachineID   string `json:"machineId"`
	CLIAPIToken string `json:"cliApiToken,omitempty"`
	VAPIDKeys   *struct {
		PublicKey  string `json:"publicKey"`
		PrivateKey string `json:"privateKey"`
	} `json:"vapidKeys,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

func settingsPath(home string) string {
	return filepath.Join(home, "settings.json")
}

// LoadSettings reads settings.json from the data root, minting a machine id
// on first run.
func LoadSettings(home string) (*Settings, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	path := settingsPath(home)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		settings := &Settings{MachineID: uuid.New().String()}
		if err := SaveSettings(home, settings); err != nil {
			return nil, err
		}
		return settings, nil
	}
	if err != nil {
		return nil, err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if settings.MachineID == "" {
		settings.MachineID = uuid.New().String()
		if err := SaveSettings(home, &settings); err != nil {
			return nil, err
		}
	}
	return &settings, nil
}

// SaveSettings writes settings.json with owner-only permissions.
func SaveSettings(home string, settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(home), data, 0o600)
}
