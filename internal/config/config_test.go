package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvUsesDefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{
		"CHAINSEQ_REDIS_ADDR", "CHAINSEQ_REDIS_PASSWORD", "CHAINSEQ_REDIS_DB",
		"CHAINSEQ_MONGO_URI", "CHAINSEQ_MONGO_DB",
		"CHAINSEQ_ADMIN_ADDR", "CHAINSEQ_ADMIN_JWT_SECRET",
		"CHAINSEQ_MAX_SIMULTANEOUS_WAIT", "CHAINSEQ_IDLE_GRACE", "CHAINSEQ_IDLE_REARM",
	} {
		os.Unsetenv(k)
	}

	cfg := FromEnv()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "chainseq", cfg.MongoDB)
	assert.Equal(t, ":8090", cfg.AdminListenAddr)
	assert.Equal(t, 10, cfg.MaxSimultaneousWait)
	assert.Equal(t, 5*time.Second, cfg.IdleGrace)
	assert.Equal(t, 1*time.Second, cfg.IdleRearm)
}

func TestFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("CHAINSEQ_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CHAINSEQ_REDIS_DB", "3")
	t.Setenv("CHAINSEQ_MAX_SIMULTANEOUS_WAIT", "25")
	t.Setenv("CHAINSEQ_IDLE_GRACE", "10s")

	cfg := FromEnv()
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 25, cfg.MaxSimultaneousWait)
	assert.Equal(t, 10*time.Second, cfg.IdleGrace)
}

func TestGetintFallsBackOnGarbageValue(t *testing.T) {
	t.Setenv("CHAINSEQ_MAX_SIMULTANEOUS_WAIT", "not-a-number")
	cfg := FromEnv()
	assert.Equal(t, 10, cfg.MaxSimultaneousWait)
}
