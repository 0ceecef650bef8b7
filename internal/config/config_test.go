package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORE_BACKEND", "PUBLISHER_MODE", "LAST_ACTIVITY_RETENTION", "KAFKA_BROKERS", "INBOUND_TOPICS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.Equal(t, StorePostgres, cfg.StoreBackend)
	require.Equal(t, PublisherOutbox, cfg.PublisherMode)
	require.Equal(t, 2160*time.Hour, cfg.LastActivityRetention)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 16, cfg.FanoutConcurrency)
	require.NotEmpty(t, cfg.GatewayInstanceID)
	require.Equal(t, time.Hour, cfg.SweepRecheck)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("PUBLISHER_MODE", "kafka")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("INBOUND_TOPICS", "one,two")
	t.Setenv("LAST_ACTIVITY_RETENTION", "48h")
	t.Setenv("FANOUT_CONCURRENCY", "not-a-number")
	t.Setenv("PUSH_TIMEOUT", "250ms")
	t.Setenv("GATEWAY_INSTANCE_ID", "presence-api-2")
	t.Setenv("SWEEP_RECHECK_WITHIN", "30m")

	cfg := Load()
	require.Equal(t, StoreRedis, cfg.StoreBackend)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	require.Equal(t, []string{"one", "two"}, cfg.InboundTopics)
	require.Equal(t, 48*time.Hour, cfg.LastActivityRetention)
	require.Equal(t, 16, cfg.FanoutConcurrency, "invalid values fall back to the default")
	require.Equal(t, 250*time.Millisecond, cfg.PushTimeout)
	require.Equal(t, "presence-api-2", cfg.GatewayInstanceID)
	require.Equal(t, 30*time.Minute, cfg.SweepRecheck)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := Config{StoreBackend: StorePostgres, PublisherMode: PublisherNone, LastActivityRetention: time.Hour, GatewayInstanceID: "gw-0"}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"unknown store":         func(c *Config) { c.StoreBackend = "dynamo" },
		"unknown publisher":     func(c *Config) { c.PublisherMode = "sns" },
		"outbox without pg":     func(c *Config) { c.PublisherMode = PublisherOutbox; c.StoreBackend = StoreRedis; c.KafkaBrokers = []string{"k"} },
		"kafka without brokers": func(c *Config) { c.PublisherMode = PublisherKafka },
		"zero retention":        func(c *Config) { c.LastActivityRetention = 0 },
		"empty instance id":     func(c *Config) { c.GatewayInstanceID = " " },
		"instance id separator": func(c *Config) { c.GatewayInstanceID = "gw~0" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
