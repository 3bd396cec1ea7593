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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 120*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.FHIR.Timeout)
	assert.False(t, cfg.FHIR.ExpandValueSets)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "cql.execution.requested", cfg.Kafka.RequestTopic)
	assert.Equal(t, 100*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, "cql-proxy", cfg.Tracing.ServiceName)
	assert.Empty(t, cfg.Auth.Keys())
	assert.Error(t, cfg.RequireDatabase())
	assert.NoError(t, cfg.RequireKafka())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CQL_PROXY_SERVER_PORT", "9090")
	t.Setenv("CQL_PROXY_FHIR_TIMEOUT", "5s")
	t.Setenv("CQL_PROXY_FHIR_EXPAND_VALUE_SETS", "true")
	t.Setenv("CQL_PROXY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CQL_PROXY_AUTH_API_KEYS", "ehr:k1,k2")
	t.Setenv("CQL_PROXY_DATABASE_URL", "postgres://localhost/cql")
	t.Setenv("CQL_PROXY_TRACING_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.FHIR.Timeout)
	assert.True(t, cfg.FHIR.ExpandValueSets)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"k1": "ehr", "k2": "default"}, cfg.Auth.Keys())
	assert.True(t, cfg.Tracing.Enabled)
	assert.NoError(t, cfg.RequireDatabase())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
log:
  level: debug
worker:
  concurrency: 2
kafka:
  result_topic: results
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, "results", cfg.Kafka.ResultTopic)
	assert.Equal(t, "cql.execution.requested", cfg.Kafka.RequestTopic, "defaults fill the rest")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"timeout", func(c *Config) { c.FHIR.Timeout = -time.Second }},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }},
		{"concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.Kafka.AuditTopic = ""
	assert.EqualError(t, cfg.RequireKafka(), "kafka.audit_topic is required")
}
