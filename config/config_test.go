package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
users:
  - id: alice
    targets: ["0xAbC"]
    multiplier: 1.5
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Hub.SubscriberBuffer)
	assert.Equal(t, 60*time.Second, cfg.Flash.Window())
	assert.InDelta(t, 0.03, cfg.Flash.VelocityThreshold, 1e-12)
	assert.InDelta(t, 0.7, cfg.Flash.ConfidenceThreshold, 1e-12)
	assert.Equal(t, 500*time.Millisecond, cfg.Hub.ReconnectBase())
	assert.InDelta(t, 0.02, cfg.MarketMaking.HighMaxSpread, 1e-12)
	assert.InDelta(t, 500, cfg.MarketMaking.HighMinDepth, 1e-12)
	assert.InDelta(t, 0.03, cfg.MarketMaking.MaxSkew, 1e-12)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "balanced", cfg.Users[0].RiskProfile)
	assert.InDelta(t, 5, cfg.Users[0].MinShares, 1e-12)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9999")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", cfg.Users[0].PrivateKey)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.Storage.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
}

func TestParse_PerUserKeyEnv(t *testing.T) {
	t.Setenv("BOB_KEY", "abcd")
	cfg, err := Parse([]byte(`
users:
  - id: bob
    private_key_env: BOB_KEY
    targets: ["0x1"]
    multiplier: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "abcd", cfg.Users[0].PrivateKey)
}

func TestValidate_OK(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(false))
}

func TestValidate_RejectsBadUsers(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "")
	cfg, err := Parse([]byte(`
users:
  - id: a
    targets: ["0x1"]
    multiplier: 0
  - id: a
    targets: ["0x1"]
    multiplier: 1
    risk_profile: yolo
  - id: c
    multiplier: 1
    flash_trading: true
`))
	require.NoError(t, err)

	err = cfg.Validate(true)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "multiplier must be > 0")
	assert.Contains(t, msg, "duplicate id")
	assert.Contains(t, msg, `unknown risk_profile "yolo"`)
	assert.Contains(t, msg, "flash_trade_usd")
	assert.Contains(t, msg, "need markets")
	assert.Contains(t, msg, "private key not set")
}

func TestValidate_NoUsers(t *testing.T) {
	cfg, err := Parse([]byte(`log: {level: warn}`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(false))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Users[0].ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, cfg.ReportEvery())
	assert.NoError(t, cfg.Validate(false))
}
