// Package config loads worker and API settings from defaults, an optional
// YAML file named by CONFIG_FILE, and environment variables, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TierStandard   = "standard"
	TierHighMemory = "high-memory"

	// StoreNATS keeps job records in a JetStream KV bucket shared by every
	// process. StoreBadger embeds them in the worker, which then also serves
	// the job API.
	StoreNATS   = "nats"
	StoreBadger = "badger"
)

type Config struct {
	BlobBucket      string        `yaml:"blob_bucket"`
	JobStoreBackend string        `yaml:"job_store_backend"`
	JobStorePath    string        `yaml:"job_store_path"`
	JobKVBucket     string        `yaml:"job_kv_bucket"`
	JobTTL          time.Duration `yaml:"job_ttl"`

	NATSURL           string        `yaml:"nats_url"`
	JobStream         string        `yaml:"job_stream"`
	JobSubject        string        `yaml:"job_subject"`
	HighMemorySubject string        `yaml:"high_memory_subject"`
	DeadLetterSubject string        `yaml:"dead_letter_subject"`
	EmbeddingSubject  string        `yaml:"embedding_subject"`
	LifecycleSubject  string        `yaml:"lifecycle_subject"`
	ConsumerName      string        `yaml:"consumer_name"`
	AckWait           time.Duration `yaml:"ack_wait"`
	MaxDeliver        int           `yaml:"max_deliver"`

	ProcessorTier         string `yaml:"processor_tier"`
	OCREnabledDefault     bool   `yaml:"ocr_enabled_default"`
	BatchSize             int    `yaml:"batch_size"`
	Concurrency           int    `yaml:"concurrency"`
	HighMemoryThresholdMB int    `yaml:"high_memory_threshold_mb"`
	MinCharsPerPage       int    `yaml:"min_chars_per_page"`
	InlineResultLimitKB   int    `yaml:"inline_result_limit_kb"`

	OCRPollInterval time.Duration `yaml:"ocr_poll_interval"`
	OCRMaxAttempts  int           `yaml:"ocr_max_attempts"`

	AWSRegion      string `yaml:"aws_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		BlobBucket:            "extractor-documents",
		JobStoreBackend:       StoreNATS,
		JobStorePath:          "./data/jobs",
		JobKVBucket:           "extraction-jobs",
		JobTTL:                7 * 24 * time.Hour,
		NATSURL:               "nats://127.0.0.1:4222",
		JobStream:             "EXTRACTION",
		JobSubject:            "extraction.jobs",
		HighMemorySubject:     "extraction.jobs.high-memory",
		DeadLetterSubject:     "extraction.dlq",
		EmbeddingSubject:      "extraction.chunks",
		LifecycleSubject:      "extraction.lifecycle",
		AckWait:               15 * time.Minute,
		MaxDeliver:            5,
		ProcessorTier:         TierStandard,
		BatchSize:             1,
		Concurrency:           1,
		HighMemoryThresholdMB: 50,
		MinCharsPerPage:       100,
		InlineResultLimitKB:   400,
		OCRPollInterval:       5 * time.Second,
		OCRMaxAttempts:        120,
		AWSRegion:             "us-east-1",
		S3UsePathStyle:        true,
		APIAddr:               ":8080",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
	}
}

// Load builds the configuration. The caller is expected to have loaded any
// .env file already.
func Load() (Config, error) {
	cfg := Defaults()

	if path := getenv("CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "extractor-" + cfg.ProcessorTier
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.BlobBucket = getenv("BLOB_BUCKET", c.BlobBucket)
	c.JobStoreBackend = getenv("JOB_STORE_BACKEND", c.JobStoreBackend)
	c.JobStorePath = getenv("JOB_STORE_PATH", c.JobStorePath)
	c.JobKVBucket = getenv("JOB_KV_BUCKET", c.JobKVBucket)
	c.NATSURL = getenv("NATS_URL", c.NATSURL)
	c.JobStream = getenv("JOB_STREAM", c.JobStream)
	c.JobSubject = getenv("JOB_SUBJECT", c.JobSubject)
	c.HighMemorySubject = getenv("HIGH_MEMORY_SUBJECT", c.HighMemorySubject)
	c.DeadLetterSubject = getenv("DEAD_LETTER_SUBJECT", c.DeadLetterSubject)
	c.EmbeddingSubject = getenv("EMBEDDING_SUBJECT", c.EmbeddingSubject)
	c.LifecycleSubject = getenv("LIFECYCLE_SUBJECT", c.LifecycleSubject)
	c.ConsumerName = getenv("CONSUMER_NAME", c.ConsumerName)
	c.ProcessorTier = getenv("PROCESSOR_TIER", c.ProcessorTier)
	c.OCREnabledDefault = getenvBool("OCR_ENABLED_DEFAULT", c.OCREnabledDefault)
	c.AWSRegion = getenv("AWS_REGION", c.AWSRegion)
	c.S3Endpoint = getenv("AWS_S3_ENDPOINT", c.S3Endpoint)
	c.S3UsePathStyle = getenvBool("AWS_S3_USE_PATH_STYLE", c.S3UsePathStyle)
	c.APIAddr = getenv("API_ADDR", c.APIAddr)
	c.MetricsAddr = getenv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)

	ints := []struct {
		name string
		dst  *int
	}{
		{"BATCH_SIZE", &c.BatchSize},
		{"CONCURRENCY", &c.Concurrency},
		{"HIGH_MEMORY_THRESHOLD_MB", &c.HighMemoryThresholdMB},
		{"MIN_CHARS_PER_PAGE", &c.MinCharsPerPage},
		{"INLINE_RESULT_LIMIT_KB", &c.InlineResultLimitKB},
		{"OCR_MAX_ATTEMPTS", &c.OCRMaxAttempts},
		{"MAX_DELIVER", &c.MaxDeliver},
	}
	for _, f := range ints {
		v, err := parsePositiveInt(getenv(f.name, strconv.Itoa(*f.dst)), f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"JOB_TTL", &c.JobTTL},
		{"OCR_POLL_INTERVAL", &c.OCRPollInterval},
		{"ACK_WAIT", &c.AckWait},
	}
	for _, f := range durations {
		v, err := parsePositiveDuration(getenv(f.name, f.dst.String()), f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

// Validate checks values that may have come from the YAML file unchecked.
func (c Config) Validate() error {
	switch c.ProcessorTier {
	case TierStandard, TierHighMemory:
	default:
		return fmt.Errorf("PROCESSOR_TIER must be %q or %q (got %q)", TierStandard, TierHighMemory, c.ProcessorTier)
	}
	switch c.JobStoreBackend {
	case StoreNATS, StoreBadger:
	default:
		return fmt.Errorf("JOB_STORE_BACKEND must be %q or %q (got %q)", StoreNATS, StoreBadger, c.JobStoreBackend)
	}
	if c.BlobBucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required")
	}
	for name, v := range map[string]int{
		"BATCH_SIZE":               c.BatchSize,
		"CONCURRENCY":              c.Concurrency,
		"HIGH_MEMORY_THRESHOLD_MB": c.HighMemoryThresholdMB,
		"MIN_CHARS_PER_PAGE":       c.MinCharsPerPage,
		"INLINE_RESULT_LIMIT_KB":   c.InlineResultLimitKB,
		"OCR_MAX_ATTEMPTS":         c.OCRMaxAttempts,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be greater than zero (got %d)", name, v)
		}
	}
	if budget := c.OCRPollInterval * time.Duration(c.OCRMaxAttempts); c.AckWait <= budget {
		return fmt.Errorf("ACK_WAIT %s must exceed the OCR poll budget %s", c.AckWait, budget)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ConsumeSubject is the subject this worker tier reads jobs from.
func (c Config) ConsumeSubject() string {
	if c.ProcessorTier == TierHighMemory {
		return c.HighMemorySubject
	}
	return c.JobSubject
}

func (c Config) HighMemoryThresholdBytes() int64 {
	return int64(c.HighMemoryThresholdMB) * 1024 * 1024
}

// SourceLimitBytes caps how much of a source object this tier downloads. The
// standard tier stops at the high-memory threshold so an object larger than
// its declared size cannot be buffered there. Zero means the client default.
func (c Config) SourceLimitBytes() int64 {
	if c.ProcessorTier == TierHighMemory {
		return 0
	}
	return c.HighMemoryThresholdBytes()
}

func (c Config) InlineResultLimitBytes() int {
	return c.InlineResultLimitKB * 1024
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parsePositiveDuration(value string, name string) (time.Duration, error) {
	v, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, v)
	}
	return v, nil
}
