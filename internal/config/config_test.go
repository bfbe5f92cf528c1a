package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOCFLOW_BOOTSTRAP_ADMIN", "root")
	t.Setenv("DOCFLOW_ALLOW_DEV_PRINCIPAL", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, 32, cfg.MaxApprovers)
	assert.Equal(t, "docflow-dev", cfg.SignerID)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.LockWait)
	assert.Equal(t, float64(20), cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.StreamBatchSize)
	assert.False(t, cfg.StreamingEnabled())
	assert.False(t, cfg.JWTEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCFLOW_BOOTSTRAP_ADMIN", "root")
	t.Setenv("DOCFLOW_JWT_HS256_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("DOCFLOW_DATABASE_URL", "postgres://primary")
	t.Setenv("DOCFLOW_SWEEP_INTERVAL", "0")
	t.Setenv("DOCFLOW_LOCK_WAIT", "2")
	t.Setenv("DOCFLOW_MAX_APPROVERS", "bogus")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_TOPIC", "docflow.audit")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary", cfg.DatabaseURL)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, 2*time.Second, cfg.LockWait)
	assert.Equal(t, 32, cfg.MaxApprovers)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.StreamingEnabled())
	assert.True(t, cfg.JWTEnabled())
}

func TestLoadRequiresAdminAndAuth(t *testing.T) {
	t.Setenv("DOCFLOW_ALLOW_DEV_PRINCIPAL", "true")
	_, err := Load()
	assert.ErrorContains(t, err, "DOCFLOW_BOOTSTRAP_ADMIN")

	t.Setenv("DOCFLOW_BOOTSTRAP_ADMIN", "root")
	t.Setenv("DOCFLOW_ALLOW_DEV_PRINCIPAL", "false")
	_, err = Load()
	assert.Error(t, err)
}
