package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const roleStateFileName = "role.json"

// roleState is the persistent record of which role this process last held.
// It survives a restart so an operator-initiated failover (spec.md
// Non-goals: failover itself stays manual) isn't silently undone by a
// crash: a restarted process comes back in its last-known role rather
// than defaulting to passive.
type roleState struct {
	Active bool `json:"active"`
}

// LoadRole reads the last-known active/passive role from stateDir. A
// missing file means a fresh install, which always starts passive.
func LoadRole(stateDir string) (bool, error) {
	path := filepath.Join(stateDir, roleStateFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config: read role state: %w", err)
	}

	var s roleState
	if err := json.Unmarshal(data, &s); err != nil {
		return false, fmt.Errorf("config: parse role state: %w", err)
	}
	return s.Active, nil
}

// SaveRole atomically persists the current active/passive role.
func SaveRole(stateDir string, active bool) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}

	path := filepath.Join(stateDir, roleStateFileName)
	data, err := json.Marshal(roleState{Active: active})
	if err != nil {
		return fmt.Errorf("config: marshal role state: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write role state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename role state: %w", err)
	}
	return nil
}
