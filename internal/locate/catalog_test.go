package locate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
rules:
  - market: "TW"
    type: INSUFFICIENT_INVENTORY
    priority: 100
  - market: "TW"
    type: AUTO_APPROVAL_THRESHOLD
    priority: 50
    max_quantity: "10000"
    min_inventory_ratio: 1.5
`

func TestLoadCatalogMissingPathFallsBack(t *testing.T) {
	rules, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Nil(t, rules)
}

func TestLoadCatalogEmptyPathFallsBack(t *testing.T) {
	rules, err := LoadCatalog("")
	require.NoError(t, err)
	require.Nil(t, rules)
}

func TestLoadCatalogParsesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "market_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	rules, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "INSUFFICIENT_INVENTORY", rules[0].RuleType)
	require.Equal(t, "AUTO_APPROVAL_THRESHOLD", rules[1].RuleType)
	require.Equal(t, "TW", rules[1].Market)
}

func TestLoadCatalogRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "market_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - market: \"TW\"\n    type: BOGUS\n"), 0o644))

	_, err := LoadCatalog(path)
	require.Error(t, err)
}
