package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "veritas/pkg/platform/strings"
)

// Server captures process-level configuration. Everything is env-driven so
// main stays lean and deployments stay twelve-factor.
type Server struct {
	Addr          string
	JWTSigningKey string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Batch    BatchConfig
	Conflict ConflictConfig
}

// PostgresConfig holds the ledger database settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the idempotency/view-cache settings. An empty URL
// disables Redis; the durable unique index still guarantees dedup.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DedupTTL     time.Duration
	ViewTTL      time.Duration
}

// KafkaConfig holds the committed-event export settings. Empty brokers
// disable the export leg.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	Partitions  int32
}

// BatchConfig controls Merkle batching and attestation.
type BatchConfig struct {
	Window       time.Duration // how often committed events are swept into a batch
	TSAEndpoint  string        // RFC 3161 authority URL; empty selects the calendar backend
	CalendarURL  string        // blockchain-anchoring calendar URL
	CalendarKey  string        // hex ed25519 public key the calendar signs attestations with
	PollInterval time.Duration // pending-attestation poll cadence
}

// ConflictClock selects which timestamp orders last-write-wins resolution.
type ConflictClock string

const (
	// ClockServer orders by server-assigned commit time. Default: client
	// clocks are untrusted and can be wrong or manipulated.
	ClockServer ConflictClock = "server"
	// ClockClient orders by device-asserted time. Opt-in for sponsors whose
	// protocol requires "as experienced by the participant" ordering.
	ClockClient ConflictClock = "client"
)

// ConflictConfig controls the conflict resolution policy.
type ConflictConfig struct {
	Clock ConflictClock
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:          envOr("VERITAS_ADDR", ":8080"),
		JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Postgres: PostgresConfig{
			DSN:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envIntOr("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envIntOr("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDurationOr("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envIntOr("REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDurationOr("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOr("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOr("REDIS_WRITE_TIMEOUT", 3*time.Second),
			DedupTTL:     envDurationOr("REDIS_DEDUP_TTL", 24*time.Hour),
			ViewTTL:      envDurationOr("REDIS_VIEW_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:     splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			EventsTopic: envOr("KAFKA_EVENTS_TOPIC", "veritas.events"),
			Partitions:  int32(envIntOr("KAFKA_EVENTS_PARTITIONS", 6)),
		},
		Batch: BatchConfig{
			Window:       envDurationOr("BATCH_WINDOW", 5*time.Minute),
			TSAEndpoint:  os.Getenv("TSA_ENDPOINT"),
			CalendarURL:  os.Getenv("CALENDAR_URL"),
			CalendarKey:  os.Getenv("CALENDAR_PUBLIC_KEY"),
			PollInterval: envDurationOr("ATTESTATION_POLL_INTERVAL", 30*time.Second),
		},
		Conflict: ConflictConfig{
			Clock: conflictClock(os.Getenv("CONFLICT_CLOCK")),
		},
	}
}

func conflictClock(s string) ConflictClock {
	if s == string(ClockClient) {
		return ClockClient
	}
	return ClockServer
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	out := platformstrings.DedupeAndTrim(strings.Split(s, ","))
	if len(out) == 0 {
		return nil
	}
	return out
}
