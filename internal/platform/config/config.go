package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "addrhist/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Environment string
	LogLevel    string
	Server      Server
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Address     AddressConfig
	Tracing     TracingConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PostgresConfig selects the durable store. An empty URL means in-memory.
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// RedisConfig configures the history cache. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures event publishing. No brokers means events stay in
// process.
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// AddressConfig holds address history behavior.
type AddressConfig struct {
	BaselinePolicy string
	CacheTTL       time.Duration
}

// TracingConfig selects where spans are exported. Exporter "none" leaves the
// global no-op provider in place.
type TracingConfig struct {
	Exporter    string
	SampleRatio float64
}

// FromEnv builds the config from environment variables so main stays lean.
// Malformed numeric or duration values are reported rather than ignored.
func FromEnv() (Config, error) {
	p := parser{}
	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: Server{
			Addr:            getEnv("ADDRHIST_ADDR", ":8080"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: p.int("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: p.int("DATABASE_MAX_IDLE_CONNS", 5),
			MaxLifetime:  p.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:           platformstrings.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:             getEnv("KAFKA_TOPIC", "addrhist.address-changed"),
			Partitions:        int32(p.int("KAFKA_TOPIC_PARTITIONS", 3)),
			ReplicationFactor: int16(p.int("KAFKA_TOPIC_REPLICATION", 1)),
		},
		Address: AddressConfig{
			BaselinePolicy: getEnv("ADDRESS_BASELINE_POLICY", "latest"),
			CacheTTL:       p.duration("ADDRESS_CACHE_TTL", 5*time.Minute),
		},
		Tracing: TracingConfig{
			Exporter:    getEnv("TRACING_EXPORTER", "none"),
			SampleRatio: p.float("TRACING_SAMPLE_RATIO", 1),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parser keeps the first parse error so FromEnv can read every key in one
// expression.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	if err != nil {
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	if err != nil {
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	if err != nil {
		return fallback
	}
	return v
}
