package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, c Config) string {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "moldbus.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadParsesFields(t *testing.T) {
	path := writeTempConfig(t, Config{SessionSuffix: "A1", MulticastPort: 5000, HeartbeatMS: 100})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "A1", cfg.SessionSuffix)
	assert.Equal(t, 5000, cfg.MulticastPort)
	assert.EqualValues(t, 100, cfg.HeartbeatInterval())
}

func TestSaveWritesAtomicallyAndNotifiesOnce(t *testing.T) {
	path := writeTempConfig(t, Config{SessionSuffix: "A1"})
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.SessionSuffix = "B2"
	require.NoError(t, cfg.Save())

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "B2", onDisk.SessionSuffix)

	select {
	case <-cfg.Changed():
	default:
		t.Fatal("expected a pending change notification")
	}

	select {
	case <-cfg.Changed():
		t.Fatal("expected exactly one buffered notification")
	default:
	}
}

func TestUpdateFromJSONRejectsMalformedDocument(t *testing.T) {
	path := writeTempConfig(t, Config{SessionSuffix: "A1"})
	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.UpdateFromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRoleDefaultsToPassiveWhenNoStateFile(t *testing.T) {
	active, err := LoadRole(t.TempDir())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSaveRoleThenLoadRoleRoundTrips(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveRole(dir, true))

	active, err := LoadRole(dir)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestSaveRoleIsAtomicAcrossRewrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveRole(dir, true))
	require.NoError(t, SaveRole(dir, false))

	active, err := LoadRole(dir)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = os.Stat(filepath.Join(dir, roleStateFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}
