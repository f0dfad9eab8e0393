// Package config loads server settings from the environment and the domain
// topology from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Addr          string
	LogLevel      string
	DatabaseURL   string // empty selects SQLite under DataDir
	DataDir       string
	RedisAddr     string
	KafkaBrokers  []string
	PolicyFile    string
	TopologyFile  string
	Owner         string
	Self          string
	LocalDomain   string
	TickInterval  time.Duration
	TickBurst     int
	CountAwaiting bool
	JWTSecret     string
	OTLPEndpoint  string

	// Archive of terminal execution records: "fs" (default), "s3", "gcs"
	// or "none".
	ArchiveKind     string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	tick, err := duration("XDOMAIN_TICK_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	burst, err := integer("XDOMAIN_TICK_BURST", 16)
	if err != nil {
		return nil, err
	}
	countAwaiting, err := boolean("XDOMAIN_COUNT_AWAITING", true)
	if err != nil {
		return nil, err
	}

	dataDir := env("XDOMAIN_DATA_DIR", "data")

	return &Config{
		Addr:          env("XDOMAIN_ADDR", ":8080"),
		LogLevel:      strings.ToUpper(env("LOG_LEVEL", "INFO")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       dataDir,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		KafkaBrokers:  list(os.Getenv("KAFKA_BROKERS")),
		PolicyFile:    os.Getenv("XDOMAIN_POLICY_FILE"),
		TopologyFile:  os.Getenv("XDOMAIN_TOPOLOGY_FILE"),
		Owner:         env("XDOMAIN_OWNER", "owner"),
		Self:          env("XDOMAIN_SELF", "authorization"),
		LocalDomain:   env("XDOMAIN_LOCAL_DOMAIN", "main"),
		TickInterval:  tick,
		TickBurst:     burst,
		CountAwaiting: countAwaiting,
		JWTSecret:     os.Getenv("XDOMAIN_JWT_SECRET"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ArchiveKind:     env("XDOMAIN_ARCHIVE_KIND", "fs"),
		ArchiveBucket:   os.Getenv("XDOMAIN_ARCHIVE_BUCKET"),
		ArchiveRegion:   env("XDOMAIN_ARCHIVE_REGION", os.Getenv("AWS_REGION")),
		ArchiveEndpoint: os.Getenv("XDOMAIN_ARCHIVE_ENDPOINT"),
		ArchivePrefix:   os.Getenv("XDOMAIN_ARCHIVE_PREFIX"),
	}, nil
}

// LedgerDriver picks the database/sql driver and DSN for the ledger.
func (c *Config) LedgerDriver() (driver, dsn string) {
	if c.DatabaseURL != "" {
		return "postgres", c.DatabaseURL
	}
	return "sqlite", filepath.Join(c.DataDir, "ledger.db")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid positive integer %q", key, v)
	}
	return n, nil
}

func boolean(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
