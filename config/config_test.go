package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, StoreBackendMySQL, cfg.Store.Backend)
	assert.Equal(t, LockBackendRedis, cfg.Lock.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 5, cfg.Reservation.MaxAttempts)
	assert.Equal(t, 50, cfg.Reservation.PageSize)
	assert.True(t, cfg.Reservation.LazySweep)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, 2*time.Minute, cfg.Lock.TTL)
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
reservation:
  ttl: 60s
  sweep_interval: 5s
  max_attempts: 3
  page_size: 20
lock:
  backend: etcd
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StoreBackendRedis, cfg.Store.Backend)
	assert.Equal(t, LockBackendETCD, cfg.Lock.Backend)
	assert.Equal(t, 60*time.Second, cfg.Reservation.TTL)
	assert.Equal(t, 5*time.Second, cfg.Reservation.SweepInterval)
	assert.Equal(t, 3, cfg.Reservation.MaxAttempts)
	assert.Equal(t, 20, cfg.Reservation.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
}

func TestLoadConfig_LockTTLShorterThanSweepInterval(t *testing.T) {
	path := writeConfig(t, `
reservation:
  sweep_interval: 1m
lock:
  ttl: 30s
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.ttl")
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_token: from-file\n")
	t.Setenv("RAFFLE_SERVER_ADMIN_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.AdminToken)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store: StoreConfig{Backend: StoreBackendMySQL},
			Lock:  LockConfig{Backend: LockBackendRedis},
			Reservation: ReservationConfig{
				TTL:           time.Minute,
				SweepInterval: time.Second,
				MaxAttempts:   1,
				PageSize:      10,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero ttl", mutate: func(c *Config) { c.Reservation.TTL = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Reservation.MaxAttempts = 0 }, wantErr: true},
		{name: "zero page size", mutate: func(c *Config) { c.Reservation.PageSize = 0 }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{name: "unknown lock", mutate: func(c *Config) { c.Lock.Backend = "zk" }, wantErr: true},
		{name: "lock ttl equals sweep interval", mutate: func(c *Config) { c.Lock.TTL = time.Second }, wantErr: true},
		{name: "lock ttl above sweep interval", mutate: func(c *Config) { c.Lock.TTL = 2 * time.Second }},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
