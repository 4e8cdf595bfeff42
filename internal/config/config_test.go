package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.Equal(t, 20, cfg.Database.MaxOverflow)
	assert.Equal(t, 30*time.Second, cfg.Database.PoolTimeout)
	assert.Equal(t, 3600*time.Second, cfg.Database.PoolRecycle)
	assert.Equal(t, 300*time.Second, cfg.OCPP.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.OCPP.CommandTimeout)
	assert.Equal(t, "info", cfg.Log.Level)

	// Redis与Kafka默认禁用
	assert.False(t, cfg.PresenceEnabled())
	assert.False(t, cfg.EventsEnabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	os.Setenv("OCPP_HOST", "127.0.0.1")
	os.Setenv("OCPP_PORT", "9001")
	os.Setenv("DATABASE_URL", "postgres://u:p@db:5432/csms")
	os.Setenv("DB_POOL_SIZE", "5")
	os.Setenv("DEFAULT_HEARTBEAT_INTERVAL", "600s")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("OCPP_HOST")
		os.Unsetenv("OCPP_PORT")
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("DB_POOL_SIZE")
		os.Unsetenv("DEFAULT_HEARTBEAT_INTERVAL")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db:5432/csms", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Database.PoolSize)
	assert.Equal(t, 600*time.Second, cfg.OCPP.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/config.yaml"
	content := `
server:
  host: 10.0.0.1
  port: 9443
redis:
  addr: redis:6379
kafka:
  brokers:
    - kafka-1:9092
ocpp:
  command_timeout: 45s
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Second, cfg.OCPP.CommandTimeout)
	assert.True(t, cfg.PresenceEnabled())
	assert.True(t, cfg.EventsEnabled())
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestConfig_GetServerAddr(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 9000,
		},
	}

	assert.Equal(t, "localhost:9000", cfg.GetServerAddr())
}

func TestConfig_GetMetricsAddr(t *testing.T) {
	cfg := &Config{
		Metrics: MetricsConfig{Addr: ":9100"},
	}

	assert.Equal(t, ":9100", cfg.GetMetricsAddr())
}

func TestConfig_GetAPIAddr(t *testing.T) {
	cfg := &Config{
		API: APIConfig{Addr: ":8080"},
	}

	assert.Equal(t, ":8080", cfg.GetAPIAddr())
}
