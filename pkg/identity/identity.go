// Package identity manages this device's stable PeerId: a 128-bit
// identifier assigned once at first launch and persisted under the config
// directory thereafter.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const fileName = "identity.json"

type onDisk struct {
	PeerID string `json:"peer_id"`
}

// Load reads the persisted PeerId from dir, generating and persisting a new
// one if none exists yet. dir is the OS-standard config directory for
// Synche, created if missing.
func Load(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err == nil {
		var rec onDisk
		if jsonErr := json.Unmarshal(data, &rec); jsonErr != nil {
			return "", fmt.Errorf("parse identity file: %w", jsonErr)
		}
		if rec.PeerID == "" {
			return "", fmt.Errorf("identity file %s has empty peer_id", path)
		}
		return rec.PeerID, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id := uuid.NewString()
	data, err = json.MarshalIndent(onDisk{PeerID: id}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}

// DefaultConfigDir returns the OS-standard config directory for Synche,
// following the same $XDG_CONFIG_HOME / Application Support / %APPDATA%
// convention.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "synche"), nil
}

// Short returns the first 8 hex-ish characters of a peer id, used in
// conflict sidecar file names.
func Short(peerID string) string {
	clean := peerID
	if len(clean) > 8 {
		clean = clean[:8]
	}
	return clean
}
