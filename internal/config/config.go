// Package config loads catalog-sync's configuration from the environment.
//
// Every option is read through the env* helpers below, mirroring the
// ingest jobs this service grew out of: no config file format, no
// hot-reload — a single pass at startup, with flags available as
// overrides for local runs.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode selects bucket, folder pattern, and API base URL. The
// RateGate settings do not depend on it.
type ExecutionMode string

const (
	ModeProduction  ExecutionMode = "production"
	ModeDevelopment ExecutionMode = "development"
)

// Config is the fully resolved set of options the pipeline runs with.
type Config struct {
	ExecutionMode ExecutionMode

	S3BucketName     string
	S3TestBucketName string
	S3Region         string
	S3Endpoint       string

	WooAPIBaseURL     string
	WooAPIBaseURLDev  string
	WooConsumerKey    string
	WooConsumerSecret string

	Concurrency int
	BatchSize   int
	Port        int

	PGDSN    string
	PGSchema string

	RedisAddr string
	RedisDB   int

	RateGateMaxConcurrent int
	RateGateMinSpacing    time.Duration
	RateGateAdaptive      bool

	DryRun bool
	LogDir string
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

// Load resolves Config from the environment, with flags available to
// override individual values for local/ad-hoc runs.
func Load() (*Config, error) {
	cfg := &Config{}

	mode := envString("EXECUTION_MODE", string(ModeProduction))

	flag.StringVar((*string)(&cfg.ExecutionMode), "execution-mode", mode, "development|production. Env: EXECUTION_MODE")
	flag.StringVar(&cfg.S3BucketName, "s3-bucket", envString("S3_BUCKET_NAME", ""), "Source bucket (production). Env: S3_BUCKET_NAME")
	flag.StringVar(&cfg.S3TestBucketName, "s3-test-bucket", envString("S3_TEST_BUCKET_NAME", ""), "Source bucket (development). Env: S3_TEST_BUCKET_NAME")
	flag.StringVar(&cfg.S3Region, "s3-region", envString("S3_REGION", "us-east-1"), "Bucket region. Env: S3_REGION")
	flag.StringVar(&cfg.S3Endpoint, "s3-endpoint", envString("S3_ENDPOINT", ""), "Custom S3-compatible endpoint, empty for AWS. Env: S3_ENDPOINT")

	flag.StringVar(&cfg.WooAPIBaseURL, "woo-api-base-url", envString("WOO_API_BASE_URL", ""), "Remote catalog API base URL (production). Env: WOO_API_BASE_URL")
	flag.StringVar(&cfg.WooAPIBaseURLDev, "woo-api-base-url-dev", envString("WOO_API_BASE_URL_DEV", ""), "Remote catalog API base URL (development). Env: WOO_API_BASE_URL_DEV")
	flag.StringVar(&cfg.WooConsumerKey, "woo-consumer-key", envString("WOO_CONSUMER_KEY", ""), "Remote catalog API consumer key. Env: WOO_CONSUMER_KEY")
	flag.StringVar(&cfg.WooConsumerSecret, "woo-consumer-secret", envString("WOO_CONSUMER_SECRET", ""), "Remote catalog API consumer secret. Env: WOO_CONSUMER_SECRET")

	flag.IntVar(&cfg.Concurrency, "concurrency", envInt("CONCURRENCY", 2), "Worker pool size. Env: CONCURRENCY")
	flag.IntVar(&cfg.BatchSize, "batch-size", envInt("BATCH_SIZE", 50), "Rows per BatchJob. Env: BATCH_SIZE")
	flag.IntVar(&cfg.Port, "port", envInt("PORT", 8090), "Metrics HTTP port, served in every mode. Env: PORT")

	flag.StringVar(&cfg.PGDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN backing the job queue. Env: PG_DSN")
	flag.StringVar(&cfg.PGSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Schema containing the jobs table. Env: PG_SCHEMA")

	flag.StringVar(&cfg.RedisAddr, "redis-addr", envString("REDIS_ADDR", "localhost:6379"), "Redis address backing the counter KV. Env: REDIS_ADDR")
	flag.IntVar(&cfg.RedisDB, "redis-db", envInt("REDIS_DB", 0), "Redis logical DB index. Env: REDIS_DB")

	flag.IntVar(&cfg.RateGateMaxConcurrent, "rategate-max-concurrent", envInt("RATEGATE_MAX_CONCURRENT", 4), "RateGate max concurrent remote calls. Env: RATEGATE_MAX_CONCURRENT")
	rateGateMinSpacingMs := int(envDurationMs("RATEGATE_MIN_SPACING_MS", 250) / time.Millisecond)
	flag.IntVar(&rateGateMinSpacingMs, "rategate-min-spacing-ms", rateGateMinSpacingMs, "RateGate minimum inter-request spacing, ms. Env: RATEGATE_MIN_SPACING_MS")
	flag.BoolVar(&cfg.RateGateAdaptive, "rategate-adaptive", envBool("RATEGATE_ADAPTIVE", false), "Enable adaptive concurrency (AIMD) on the RateGate. Env: RATEGATE_ADAPTIVE")

	flag.BoolVar(&cfg.DryRun, "dry-run", envBool("DRY_RUN", false), "Compute diffs without calling bulkUpdate. Env: DRY_RUN")
	flag.StringVar(&cfg.LogDir, "log-dir", envString("LOG_DIR", "output-files"), "Directory for error/updates/info/progress log artifacts. Env: LOG_DIR")

	if !flag.Parsed() {
		flag.Parse()
	}

	cfg.RateGateMinSpacing = time.Duration(rateGateMinSpacingMs) * time.Millisecond

	return cfg, cfg.Validate()
}

// Validate checks cross-field invariants and required combinations.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case ModeProduction, ModeDevelopment:
	default:
		return fmt.Errorf("invalid EXECUTION_MODE %q: must be %q or %q", c.ExecutionMode, ModeProduction, ModeDevelopment)
	}

	if c.Bucket() == "" {
		return fmt.Errorf("no source bucket configured for mode %q", c.ExecutionMode)
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}

	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}

	if c.PGDSN == "" {
		return fmt.Errorf("PG_DSN is required (backs the job queue)")
	}

	if c.APIBaseURL() == "" {
		return fmt.Errorf("no remote catalog API base URL configured for mode %q", c.ExecutionMode)
	}

	return nil
}

// Bucket returns the source bucket for the current execution mode.
func (c *Config) Bucket() string {
	if c.ExecutionMode == ModeDevelopment {
		return c.S3TestBucketName
	}
	return c.S3BucketName
}

// APIBaseURL returns the remote catalog base URL for the current execution mode.
func (c *Config) APIBaseURL() string {
	if c.ExecutionMode == ModeDevelopment && c.WooAPIBaseURLDev != "" {
		return c.WooAPIBaseURLDev
	}
	return c.WooAPIBaseURL
}

// FolderSuffix returns "-test" in development, matching the
// "MM-DD-YYYY-test/" folder naming convention, or "" in production.
func (c *Config) FolderSuffix() string {
	if c.ExecutionMode == ModeDevelopment {
		return "-test"
	}
	return ""
}

// IsDevelopment reports whether the pipeline is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ExecutionMode == ModeDevelopment
}
