// Package push delivers notifications to devices that have no live event
// stream: a toast is tried first over connected visible clients, and only
// when nobody sees it does Web Push fire.
package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDKeys is the server's Web Push signing key pair.
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateVAPID reads the key pair from path, generating and persisting
// a fresh pair on first run. The file is chmod 0600: the private key signs
// every push the server sends.
func LoadOrCreateVAPID(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("failed to parse vapid key file %s: %w", path, err)
		}
		if keys.PublicKey == "" || keys.PrivateKey == "" {
			return nil, fmt.Errorf("vapid key file %s is incomplete", path)
		}
		return &keys, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to generate vapid keys: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: public, PrivateKey: private}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	data, _ = json.Marshal(keys)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist vapid keys: %w", err)
	}
	return keys, nil
}
