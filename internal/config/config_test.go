package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
shard:
  count: 16
validation:
  deadline_ms: 150
locate:
  deadline_ms: 1000
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 16, cfg.Shard.Count)
	require.Equal(t, 65536, cfg.Shard.QueueDepth)
	require.Equal(t, []string{"REUTERS", "BLOOMBERG", "MARKIT", "ULTUMUS", "RIMES"}, cfg.Reference.Priority)
	require.Equal(t, 256, cfg.Validation.Bulkhead)
	require.Equal(t, 50000, cfg.Snapshot.EveryEvents)
	require.Equal(t, 15, cfg.Market.JPCutoffHour)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	t.Setenv("IMS_SHARD_COUNT", "32")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Shard.Count)
}

func TestValidateRejectsNonPowerOfTwoShardCount(t *testing.T) {
	cfg := &Config{}
	cfg.Shard.Count = 6
	cfg.Shard.QueueDepth = 1
	cfg.Validation.DeadlineMs = 1
	cfg.Validation.Bulkhead = 1
	cfg.Locate.DeadlineMs = 1
	cfg.Reference.Priority = []string{"REUTERS"}

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsEmptyReferencePriority(t *testing.T) {
	cfg := &Config{}
	cfg.Shard.Count = 8
	cfg.Shard.QueueDepth = 1
	cfg.Validation.DeadlineMs = 1
	cfg.Validation.Bulkhead = 1
	cfg.Locate.DeadlineMs = 1

	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
