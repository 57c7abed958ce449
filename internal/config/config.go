// Package config centralizes environment-driven configuration for every
// process role (scheduler, worker, consolidator, reapply, api). Each
// binary's main loads one Config and passes it down explicitly rather
// than reading os.Getenv scattered through the call graph.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every environment-configurable knob named in the spec's
// external interfaces section, plus the ambient additions (pool tuning,
// log level, object storage, message bus, oauth2).
type Config struct {
	// Upstream adapter
	UpstreamEndpoints        []string
	UpstreamUsername         string
	UpstreamPassword         string
	UpstreamOAuthTokenURL    string
	UpstreamOAuthClientID    string
	UpstreamOAuthClientSecret string
	UpstreamRateLimitPerSec  float64

	// Bookkeeping store
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Message bus
	QueueConnection    string
	RedisAddr          string
	RedisStreamPrefix  string

	// Object storage
	StorageConnection string
	S3Bucket          string
	S3Region          string

	// Pipeline knobs
	PageSize                  int
	MaxRetries                int
	RetryBaseMS               int
	ConsolidateMinSuccessPct  int
	ConsolidateDelaySec       int
	HeatmapMaxWorkers         int
	HeatmapMinRecordsPerWorker int64
	HeatmapDenseZoneThreshold float64
	HeatmapDenseZoneStep      float64
	BaseMargins               map[string]float64

	// Ambient
	LogLevel          string
	APIPort           string
	APIAuthSecret     string
	APIRateLimitRPS   float64
	APIRateLimitBurst int
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Load reads .env (if present, development convenience) then resolves
// every key from the process environment, applying the spec's defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	endpoints := strings.FieldsFunc(os.Getenv("UPSTREAM_ENDPOINT"), func(r rune) bool {
		return r == ',' || r == ' '
	})

	cfg := &Config{
		UpstreamEndpoints:         endpoints,
		UpstreamUsername:          os.Getenv("UPSTREAM_USERNAME"),
		UpstreamPassword:          os.Getenv("UPSTREAM_PASSWORD"),
		UpstreamOAuthTokenURL:     os.Getenv("UPSTREAM_OAUTH_TOKEN_URL"),
		UpstreamOAuthClientID:     os.Getenv("UPSTREAM_OAUTH_CLIENT_ID"),
		UpstreamOAuthClientSecret: os.Getenv("UPSTREAM_OAUTH_CLIENT_SECRET"),
		UpstreamRateLimitPerSec:   getEnvFloat("UPSTREAM_RATE_LIMIT_PER_SEC", 10),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 0),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 0),

		QueueConnection:   os.Getenv("QUEUE_CONNECTION"),
		RedisAddr:         getEnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisStreamPrefix: getEnvDefault("REDIS_STREAM_PREFIX", "diamondscan"),

		StorageConnection: os.Getenv("STORAGE_CONNECTION"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          getEnvDefault("S3_REGION", "us-east-1"),

		PageSize:                   getEnvInt("PAGE_SIZE", 30),
		MaxRetries:                 getEnvInt("MAX_RETRIES", 3),
		RetryBaseMS:                getEnvInt("RETRY_BASE_MS", 2000),
		ConsolidateMinSuccessPct:   getEnvInt("CONSOLIDATE_MIN_SUCCESS_PCT", 70),
		ConsolidateDelaySec:        getEnvInt("CONSOLIDATE_DELAY_SEC", 300),
		HeatmapMaxWorkers:          getEnvInt("HEATMAP_MAX_WORKERS", 30),
		HeatmapMinRecordsPerWorker: getEnvInt64("HEATMAP_MIN_RECORDS_PER_WORKER", 10),
		HeatmapDenseZoneThreshold:  getEnvFloat("HEATMAP_DENSE_ZONE_THRESHOLD", 20000),
		HeatmapDenseZoneStep:       getEnvFloat("HEATMAP_DENSE_ZONE_STEP", 100),
		BaseMargins:                defaultBaseMargins(),

		LogLevel:          getEnvDefault("LOG_LEVEL", "info"),
		APIPort:           getEnvDefault("API_PORT", "8080"),
		APIAuthSecret:     os.Getenv("API_AUTH_SECRET"),
		APIRateLimitRPS:   getEnvFloat("API_RATE_LIMIT_RPS", 10),
		APIRateLimitBurst: getEnvInt("API_RATE_LIMIT_BURST", 20),
	}

	if raw := os.Getenv("BASE_MARGINS"); raw != "" {
		var m map[string]float64
		if err := yaml.Unmarshal([]byte(raw), &m); err == nil {
			cfg.BaseMargins = m
		}
	}

	return cfg, nil
}

func defaultBaseMargins() map[string]float64 {
	return map[string]float64{
		"natural": 40,
		"lab":     79,
		"fancy":   40,
	}
}

// FileOverrides holds static per-environment overrides loaded from an
// optional YAML file (feed list, base margins) layered on top of the
// environment-driven Config.
type FileOverrides struct {
	Feeds       []string           `yaml:"feeds"`
	BaseMargins map[string]float64 `yaml:"base_margins"`
}

func LoadFileOverrides(path string) (*FileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FileOverrides
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, err
	}
	return &fo, nil
}
