// Package config centralizes the environment-variable driven settings
// for the demo binary and admin surfaces, following the same
// getenv/getint pattern repeated ad hoc across a lot of Go services
// that never graduated to a config file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration for cmd/dispatchdemo.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI string
	MongoDB  string

	AdminListenAddr string
	AdminJWTSecret  string

	// RPCListenAddr, if set, starts a second dispatcher backed by a real
	// TCP worker pool instead of the in-memory demo transport.
	RPCListenAddr string

	MaxSimultaneousWait int
	IdleGrace           time.Duration
	IdleRearm           time.Duration
}

// FromEnv loads configuration from the process environment, falling
// back to development-friendly defaults for anything unset.
func FromEnv() Config {
	return Config{
		RedisAddr:     getenv("CHAINSEQ_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("CHAINSEQ_REDIS_PASSWORD"),
		RedisDB:       getint("CHAINSEQ_REDIS_DB", 0),

		MongoURI: getenv("CHAINSEQ_MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  getenv("CHAINSEQ_MONGO_DB", "chainseq"),

		AdminListenAddr: getenv("CHAINSEQ_ADMIN_ADDR", ":8090"),
		AdminJWTSecret:  getenv("CHAINSEQ_ADMIN_JWT_SECRET", "dev-secret-change-me"),
		RPCListenAddr:   os.Getenv("CHAINSEQ_RPC_ADDR"),

		MaxSimultaneousWait: getint("CHAINSEQ_MAX_SIMULTANEOUS_WAIT", 10),
		IdleGrace:           getduration("CHAINSEQ_IDLE_GRACE", 5*time.Second),
		IdleRearm:           getduration("CHAINSEQ_IDLE_REARM", 1*time.Second),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
