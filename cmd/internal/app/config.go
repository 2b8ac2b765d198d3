package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Durable log.
	KafkaBrokers   []string
	ChatTopic      string
	ChatPartitions int
	ConsumerGroup  string
	PublishTimeout time.Duration

	// Topic ensure policy at startup: bounded retries, then abort. A chat
	// service without a durable relay is not useful.
	TopicEnsureAttempts int
	TopicEnsureBackoff  time.Duration

	// Archive sink (optional; in-memory when unset).
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	ArchiveSchema string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: envString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: envString("COURIER_LOG_LEVEL", "info"),

		ReadHeaderTimeout: envDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       envDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    envInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		KafkaBrokers:   envStrings("COURIER_KAFKA_BROKERS", "127.0.0.1:9092"),
		ChatTopic:      envString("COURIER_CHAT_TOPIC", "chats"),
		ChatPartitions: envInt("COURIER_CHAT_PARTITIONS", 1),
		ConsumerGroup:  envString("COURIER_CONSUMER_GROUP", "courier-relay"),
		PublishTimeout: envDuration("COURIER_PUBLISH_TIMEOUT", 5*time.Second),

		TopicEnsureAttempts: envInt("COURIER_TOPIC_ENSURE_ATTEMPTS", 5),
		TopicEnsureBackoff:  envDuration("COURIER_TOPIC_ENSURE_BACKOFF", 2*time.Second),

		DatabaseURL:   envString("COURIER_DATABASE_URL", ""),
		DBMaxConns:    envInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:    envInt32("COURIER_DB_MIN_CONNS", 0),
		ArchiveSchema: envString("COURIER_ARCHIVE_SCHEMA", "courier"),

		ReadinessRequireDB: envBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}

// ---- env helpers ----

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envStrings(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt32(key string, def int32) int32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
