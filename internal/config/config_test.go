package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate уводит тест от .env и config/api.yaml рабочей копии.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("APP_ENV", "development")
	t.Setenv("CONFIG_PATH", "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "redis", cfg.PresenceDriver)
	assert.Equal(t, "none", cfg.Bus.Driver)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.SweepBatch)
	assert.Equal(t, 45*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.JWTTTL)
	assert.True(t, cfg.Bot.Enabled)
	require.Len(t, cfg.CallICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.CallICEServers[0].URLs)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
sweep_interval_seconds: 5
presence_driver: memory
call_ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SWEEP_BATCH", "50")
	t.Setenv("SERVER_ADDR", ":9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ServerAddr, "env wins over yaml")
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.SweepBatch)
	assert.Equal(t, "memory", cfg.PresenceDriver)
	require.Len(t, cfg.CallICEServers, 1)
	assert.Equal(t, "u", cfg.CallICEServers[0].Username)
}

func TestLoad_ICEServersFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("CALL_ICE_SERVERS", `[{"urls":["stun:a.example:3478","stun:b.example:3478"]}]`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.CallICEServers, 1)
	assert.Len(t, cfg.CallICEServers[0].URLs, 2)

	t.Setenv("CALL_ICE_SERVERS", `not json`)
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.CallICEServers[0].URLs)
}

func TestLoad_Clamps(t *testing.T) {
	isolate(t)
	t.Setenv("BOT_MIN_DELAY_MS", "3000")
	t.Setenv("BOT_MAX_DELAY_MS", "1000")
	t.Setenv("CALL_RING_TIMEOUT_SECONDS", "-1")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Bot.MinDelay, cfg.Bot.MaxDelay)
	assert.Zero(t, cfg.CallRingTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown presence driver": {"PRESENCE_DRIVER": "etcd"},
		"unknown bus driver":      {"BUS_DRIVER": "kafka"},
		"redis bus without redis": {"BUS_DRIVER": "redis", "PRESENCE_DRIVER": "memory"},
		"production default jwt":  {"APP_ENV": "production", "DATABASE_URL": "postgres://prod/whisper"},
		"production default db":   {"APP_ENV": "production", "JWT_SECRET": "0123456789abcdef0123456789abcdef"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_Production(t *testing.T) {
	isolate(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("DATABASE_URL", "postgres://prod/whisper")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
