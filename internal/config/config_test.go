package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARKETLEDGER_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "1.0.0", cfg.SchemaVersion)
	assert.Equal(t, "marketledger.db", filepath.Base(cfg.DBPath))
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "archives"), cfg.ArchiveDir)
	assert.Equal(t, 30, cfg.OddsAPIRateLimit)
	assert.Equal(t, "*/15 * * * *", cfg.CollectSchedule)
	assert.Empty(t, cfg.Sports, "no sports file means nothing to collect")
	assert.Empty(t, cfg.KalshiWSTickers)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MARKETLEDGER_DATA_DIR", t.TempDir())
	t.Setenv("MARKETLEDGER_PORT", "9999")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("ODDS_API_KEY", "secret")
	t.Setenv("KALSHI_WS_TICKERS", "KXNBA-25JAN15-BOS, KXNBA-25JAN15-NYK ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "secret", cfg.OddsAPIKey)
	assert.Equal(t, []string{"KXNBA-25JAN15-BOS", "KXNBA-25JAN15-NYK"}, cfg.KalshiWSTickers)
}

func TestLoadSportsFile(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("MARKETLEDGER_DATA_DIR", dataDir)

	sportsYAML := `sports:
  - key: basketball_nba
    series: KXNBA
    enabled: true
  - key: americanfootball_nfl
    series: KXNFL
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sports.yaml"), []byte(sportsYAML), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Sports, 2)

	enabled := cfg.EnabledSports()
	require.Len(t, enabled, 1)
	assert.Equal(t, "basketball_nba", enabled[0].Key)
	assert.Equal(t, "KXNBA", enabled[0].Series)
}

func TestLoadRejectsBrokenSportsFile(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("MARKETLEDGER_DATA_DIR", dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sports.yaml"), []byte("sports: ["), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse sports file")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b , "))
}
