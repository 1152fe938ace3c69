// Package config implements the process configuration file, grounded on
// client/doublezerod/internal/config: a JSON document on disk, guarded by
// a sync.RWMutex, rewritten atomically (temp file + rename) on every
// update, with a buffered Changed() channel observers can select on to
// learn a reload happened without restarting.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config holds the process configuration (spec.md §4.11): session
// identity, UDP/TCP endpoints, the message store location, heartbeat
// cadence, and a list of applications to pre-register. Every field except
// PreregisteredApps has a bootstrap CLI flag that overrides it;
// PreregisteredApps has no flag and the bootstrap does not read it.
type Config struct {
	SessionSuffix string `json:"session_suffix"`

	MulticastGroup     string `json:"multicast_group"`
	MulticastPort      int    `json:"multicast_port"`
	MulticastInterface string `json:"multicast_interface"`

	RewindListenAddr  string `json:"rewind_listen_addr"`
	CommandListenAddr string `json:"command_listen_addr"`
	AdminListenAddr   string `json:"admin_listen_addr"`

	// PeerRewindAddr is where a passive replica dials to backfill its gap
	// on startup or after a dropped multicast packet. It is the active
	// sequencer's RewindListenAddr and is unused on the active process.
	PeerRewindAddr string `json:"peer_rewind_addr"`

	StorePath string `json:"store_path"`
	StoreSize int    `json:"store_size"`

	HeartbeatMS       int64    `json:"heartbeat_ms"`
	PreregisteredApps []string `json:"preregistered_apps"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// New builds an empty Config bound to path, for callers that will fill it
// in (e.g. from flags) and then Save rather than Load.
func New(path string) *Config {
	return &Config{
		path:      path,
		changedCh: make(chan struct{}, 1),
	}
}

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := New(path)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// UpdateFromJSON replaces the config's fields from data, saves the result
// atomically, and notifies Changed observers.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := c.saveLocked(); err != nil {
		return err
	}
	c.notifyChanged()
	return nil
}

// Save writes the current field values to disk atomically, without
// touching them first, and notifies Changed observers.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.saveLocked(); err != nil {
		return err
	}
	c.notifyChanged()
	return nil
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Changed signals every time the config has been reloaded or rewritten.
// It never closes.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

// HeartbeatInterval returns the configured heartbeat period, read under
// the config's lock so a concurrent reload is observed safely.
func (c *Config) HeartbeatInterval() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HeartbeatMS
}

// saveLocked assumes c.mu is held for writing.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
