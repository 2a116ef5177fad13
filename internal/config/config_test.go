package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	s := cfg.Scheduler
	assert.Equal(t, 10*time.Second, s.PollInterval)
	assert.Equal(t, 24*time.Hour, s.LeadTime)
	assert.Equal(t, 40*time.Second, s.ImmediateThreshold)
	assert.Equal(t, 30*time.Second, s.EarlyMargin)
	assert.Equal(t, 10*time.Second, s.WaitStep)
	assert.Equal(t, time.Second, s.RetryDelay)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 25, s.BatchSize)

	assert.Equal(t, 18*time.Hour, cfg.Selection.MinTimeOfDay)
	assert.Equal(t, time.UTC, cfg.Selection.Location)
	assert.Equal(t, "fixture", cfg.Transport.Mode)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	p := writeYAML(t, `
log:
  level: WARNING
scheduler:
  retry_delay_ms: 250
  lead_time_minutes: 60
selection:
  target_time: "07:30"
  days_ahead: 2
transport:
  mode: live
  live:
    account: gym
    schedule: wall
    timeout_seconds: 3
`)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/slots")
	t.Setenv("SLOTSCHED_DB_DRIVER", "postgres")
	t.Setenv("SCHED_POLL_SECONDS", "2")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.RetryDelay)
	assert.Equal(t, time.Hour, cfg.Scheduler.LeadTime)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 7*time.Hour+30*time.Minute, cfg.Selection.MinTimeOfDay)
	assert.Equal(t, 2, cfg.Selection.DaysAhead)
	assert.Equal(t, 3*time.Second, cfg.Transport.Live.Timeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@localhost/slots", cfg.Database.DSN)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"live without account":   "transport:\n  mode: live\n",
		"unknown transport":      "transport:\n  mode: telnet\n",
		"bad fixture outcome":    "transport:\n  fixture:\n    book_outcome: Maybe\n",
		"bad target time":        "selection:\n  target_time: noon\n",
		"bad timezone":           "selection:\n  timezone: Mars/Olympus\n",
		"zero retries":           "scheduler:\n  max_retries: 0\n",
		"bad log level":          "log:\n  level: chatty\n",
		"unknown db driver":      "database:\n  driver: oracle\n",
		"hash key without block": "users:\n  hash_key: aGVsbG8=\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_CredentialKeys(t *testing.T) {
	hash := make([]byte, 32)
	block := make([]byte, 16)
	for i := range hash {
		hash[i] = byte(i)
	}
	keyFile := filepath.Join(t.TempDir(), "block.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(base64.StdEncoding.EncodeToString(block)+"\n"), 0o600))

	t.Setenv("CREDENTIAL_HASH_KEY", base64.StdEncoding.EncodeToString(hash))
	t.Setenv("CREDENTIAL_BLOCK_KEY", keyFile)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, hash, cfg.Users.HashKeyBytes)
	assert.Len(t, cfg.Users.BlockKeyBytes, 16)

	t.Setenv("CREDENTIAL_BLOCK_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	_, err = Load("")
	assert.Error(t, err)
}
