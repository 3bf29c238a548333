// Package config reads the server configuration from the environment.
// Every tunable has a default; DATABASE_URL selects between Postgres
// and the single-node in-memory mode.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Env      string // dev enables console logging and relaxed defaults
	HTTPAddr string

	DatabaseURL string // empty runs the in-memory store, queue and bus
	DBMaxConns  int    // pool ceiling shared by store, queue and the bus listener

	JWTSecret   string
	AuthDevMode bool // accept dev:<owner>:<device> tokens

	// Retention.
	GraceWindow    time.Duration // tombstones survive at least this long
	TombstoneSweep time.Duration // purge cadence
	CacheRecords   int           // record read cache entries, 0 disables

	// Commit pipeline.
	MaxBatchOps  int
	MaxPullLimit int
	IdleTeardown time.Duration // owner loop teardown after inactivity

	// Sessions and transport.
	OutboxSize        int
	ReconnectWindow   time.Duration
	SessionIdleTTL    time.Duration
	SessionSweep      time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	PushTimeout       time.Duration
	PullTimeout       time.Duration
	ReorderBuffer     int
	ReorderTimeout    time.Duration
	PushPerMinute     int
	PushBurst         int
}

// Load reads the environment once. Values that fail to parse keep
// their defaults and are logged.
func Load() Config {
	return Config{
		Env:         env("ENV", "dev"),
		HTTPAddr:    env("HTTP_ADDR", ":8081"),
		DatabaseURL: env("DATABASE_URL", ""),
		DBMaxConns:  envInt("DB_MAX_CONNS", 20),

		JWTSecret:   env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		AuthDevMode: envBool("AUTH_DEV_MODE", false),

		GraceWindow:    envDuration("GRACE_WINDOW", 30*24*time.Hour),
		TombstoneSweep: envDuration("TOMBSTONE_SWEEP_INTERVAL", time.Hour),
		CacheRecords:   envInt("RECORD_CACHE_SIZE", 4096),

		MaxBatchOps:  envInt("MAX_BATCH_OPS", 100),
		MaxPullLimit: envInt("MAX_PULL_LIMIT", 500),
		IdleTeardown: envDuration("OWNER_IDLE_TEARDOWN", 30*time.Minute),

		OutboxSize:        envInt("SESSION_OUTBOX_SIZE", 1024),
		ReconnectWindow:   envDuration("RECONNECT_WINDOW", 60*time.Second),
		SessionIdleTTL:    envDuration("SESSION_IDLE_TTL", 2*time.Minute),
		SessionSweep:      envDuration("SESSION_SWEEP_INTERVAL", 10*time.Second),
		HandshakeTimeout:  envDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatMisses:   envInt("HEARTBEAT_MISSES", 3),
		PushTimeout:       envDuration("PUSH_TIMEOUT", 30*time.Second),
		PullTimeout:       envDuration("PULL_TIMEOUT", 60*time.Second),
		ReorderBuffer:     envInt("REORDER_BUFFER", 64),
		ReorderTimeout:    envDuration("REORDER_TIMEOUT", 2*time.Second),
		PushPerMinute:     envInt("PUSH_RATE_PER_MINUTE", 600),
		PushBurst:         envInt("PUSH_RATE_BURST", 120),
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", k).Str("value", v).Msg("not an integer, using default")
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("var", k).Str("value", v).Msg("not a duration, using default")
		return def
	}
	return d
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", k).Str("value", v).Msg("not a boolean, using default")
		return def
	}
	return b
}
