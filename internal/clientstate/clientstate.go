// Package clientstate persists the backend address the client dials.
package clientstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"santinel/internal/discovery"
)

// State is what the client remembers between runs.
type State struct {
	APIURL    string `yaml:"api_url"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

// DefaultPath returns the per-user state file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "santinel", "client.yaml"), nil
}

// Load reads the state at path. A missing file yields the defaults.
func Load(path string) (*State, error) {
	st := &State{APIURL: discovery.DefaultAddress}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read client state: %w", err)
	}
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse client state %s: %w", path, err)
	}
	st.APIURL = discovery.NormalizeAddress(st.APIURL)
	return st, nil
}

// Save writes the state atomically with owner-only permissions, since it
// may hold a bearer token.
func Save(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal client state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write client state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace client state: %w", err)
	}
	return nil
}
