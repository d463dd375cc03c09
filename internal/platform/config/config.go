// Package config reads service configuration from environment variables so
// main stays lean. Every knob has a development default; production overrides
// them through the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Resolver Resolver
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Postgres captures the contact store connection settings.
type Postgres struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Redis captures the rate limiter backend settings. An empty URL disables
// Redis entirely.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the audit publisher settings. Empty brokers disable
// publishing; audit events then stay in the outbox.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

// Resolver captures tunables for the reconciliation service.
type Resolver struct {
	RateLimit       int64
	RateWindow      time.Duration
	OutboxInterval  time.Duration
	OutboxBatchSize int
}

// FromEnv builds the Config from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envString("IDLINK_ADDR", ":8080"),
			ShutdownTimeout: envDuration("IDLINK_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: Postgres{
			URL:             os.Getenv("IDLINK_POSTGRES_URL"),
			MaxOpenConns:    envInt("IDLINK_POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("IDLINK_POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("IDLINK_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: Redis{
			URL:          os.Getenv("IDLINK_REDIS_URL"),
			PoolSize:     envInt("IDLINK_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("IDLINK_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("IDLINK_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("IDLINK_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("IDLINK_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:    envList("IDLINK_KAFKA_BROKERS"),
			AuditTopic: envString("IDLINK_KAFKA_AUDIT_TOPIC", "idlink.audit"),
		},
		Resolver: Resolver{
			RateLimit:       int64(envInt("IDLINK_RATE_LIMIT", 60)),
			RateWindow:      envDuration("IDLINK_RATE_WINDOW", time.Minute),
			OutboxInterval:  envDuration("IDLINK_OUTBOX_INTERVAL", time.Second),
			OutboxBatchSize: envInt("IDLINK_OUTBOX_BATCH_SIZE", 100),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
