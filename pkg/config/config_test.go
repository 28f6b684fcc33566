package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("RABBITMQ_URL", "amqp://localhost")
	t.Setenv("UPSTREAM_BASE_URL", "https://fhir.example.org")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	c, err := Load()
	require.NoError(t, err)

	assert.EqualValues(t, 1, c.QueueType)
	assert.Equal(t, 50, c.MaxInFlight)
	assert.Equal(t, 30, c.HeartbeatTimeoutSec)
	assert.EqualValues(t, 20000, c.LowBound)
	assert.EqualValues(t, 40000, c.HighBound)
	assert.Equal(t, 5*time.Minute, c.WindowLag)
	assert.Equal(t, 24*time.Hour, c.MaxWindow)
	assert.Equal(t, ":8080", c.APIAddr)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_IN_FLIGHT", "7")
	t.Setenv("HIGH_BOUND", "99")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxInFlight)
	assert.EqualValues(t, 99, c.HighBound)
}

func TestLoadFailsWhenRequiredVarsMissing(t *testing.T) {
	for _, key := range []string{"POSTGRES_DSN", "RABBITMQ_URL", "UPSTREAM_BASE_URL"} {
		os.Unsetenv(key)
	}
	_, err := Load()
	assert.Error(t, err)
}
