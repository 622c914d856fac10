package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Database.Dialect)
	assert.Equal(t, "transactional", cfg.Approval.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.Redis.TTL)
	assert.Equal(t, []string{"*"}, cfg.Server.CORS.AllowedOrigins)
	assert.Equal(t, 256, cfg.Events.BufferSize)
	assert.True(t, cfg.Sweeper.Enabled)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("RENTLEDGER_APPROVAL_MODE", "compensating")
	t.Setenv("RENTLEDGER_DATABASE_DIALECT", "postgres")
	t.Setenv("RENTLEDGER_DATABASE_DSN", "postgres://localhost/rent?sslmode=disable")
	t.Setenv("RENTLEDGER_WEBHOOK_TOLERANCE", "30s")
	t.Setenv("RENTLEDGER_NATS_URL", "nats://localhost:4222")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "compensating", cfg.Approval.Mode)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, "postgres://localhost/rent?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Tolerance)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rentledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:9090"
log:
  level: debug
  format: text
webhook:
  secret: whsec_test
  redis:
    addr: "localhost:6379"
sweeper:
  enabled: false
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "whsec_test", cfg.Webhook.Secret)
	assert.Equal(t, "localhost:6379", cfg.Webhook.Redis.Addr)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, "transactional", cfg.Approval.Mode, "unset keys keep defaults")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown approval mode", "approval.mode", "eventual"},
		{"unknown dialect", "database.dialect", "mysql"},
		{"empty dsn", "database.dsn", ""},
		{"bad log level", "log.level", "loud"},
		{"bad log format", "log.format", "xml"},
		{"address without port", "server.addr", "localhost"},
		{"zero tolerance", "webhook.tolerance", time.Duration(0)},
		{"zero buffer", "events.buffer_size", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.val)
			_, err := Load(v, "")
			assert.Error(t, err)
		})
	}
}
