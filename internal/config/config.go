package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/quota"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a byte count read from human strings such as "20MB" or "1GiB".
// A negative number means unlimited.
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "-") {
		*b = -1

		return nil
	}

	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

// Plan is the per-tier section of the configuration.
type Plan struct {
	Priority      int      `split_words:"true"`
	DailyBytes    ByteSize `split_words:"true"`
	MaxConcurrent int      `split_words:"true"`
	MaxFileSize   ByteSize `split_words:"true"`
	MaxQuality    string   `split_words:"true"`
}

// Config struct for environment variables.
type Config struct {
	GlobalMaxConcurrency    int           `envconfig:"GLOBAL_MAX_CONCURRENCY" default:"3"`
	PerUserMaxConcurrency   int           `envconfig:"PER_USER_MAX_CONCURRENCY" default:"5"`
	ChunkSizeBytes          ByteSize      `envconfig:"CHUNK_SIZE_BYTES" default:"20MB"`
	ChunkUploadParallelism  int           `envconfig:"CHUNK_UPLOAD_PARALLELISM" default:"3"`
	FetchRetryBudget        int           `envconfig:"FETCH_RETRY_BUDGET" default:"2"`
	TransferRetryBudget     int           `envconfig:"TRANSFER_RETRY_BUDGET" default:"3"`
	FetchBackoffBase        time.Duration `envconfig:"FETCH_BACKOFF_BASE" default:"2s"`
	TransferBackoffBase     time.Duration `envconfig:"TRANSFER_BACKOFF_BASE" default:"1s"`
	BackoffMax              time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	StarvationBoostInterval int           `envconfig:"FREE_TIER_STARVATION_BOOST_INTERVAL_SECONDS" default:"60"`

	SubmitRatePerMinute int           `envconfig:"SUBMIT_RATE_PER_MINUTE" default:"10"`
	SubmitBurst         int           `envconfig:"SUBMIT_BURST" default:"3"`
	StatusRetention     time.Duration `envconfig:"STATUS_RETENTION" default:"1h"`

	StagingDir       string        `envconfig:"STAGING_DIR"`
	StagingRetention time.Duration `envconfig:"STAGING_RETENTION" default:"1h"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`

	YtdlpPath string `envconfig:"YTDLP_PATH" default:"yt-dlp"`

	Destination    string `envconfig:"DESTINATION" default:"local"`
	DestinationDir string `envconfig:"DESTINATION_DIR" default:"deliveries"`

	S3 struct {
		Bucket       string `split_words:"true"`
		Region       string `split_words:"true" default:"us-east-1"`
		Endpoint     string `split_words:"true"`
		Prefix       string `split_words:"true"`
		AccessKey    string `split_words:"true"`
		SecretKey    string `split_words:"true"`
		UsePathStyle bool   `split_words:"true"`
	}

	PutioBaseURL string `envconfig:"PUTIO_BASE_URL"`
	PutioToken   string `envconfig:"PUTIO_TOKEN"`
	PutioFolder  string `envconfig:"PUTIO_FOLDER" default:"media_relay"`

	LedgerDriver string `envconfig:"LEDGER_DRIVER" default:"sqlite3"`
	LedgerDSN    string `envconfig:"LEDGER_DSN" default:"media_relay.db"`

	RedisURL          string `envconfig:"REDIS_URL"`
	RedisChannel      string `envconfig:"REDIS_CHANNEL" default:"media_relay:status"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`
	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	API struct {
		Username     string `split_words:"true"`
		PasswordHash string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	PlanFree      Plan `envconfig:"PLAN_FREE"`
	PlanBasic     Plan `envconfig:"PLAN_BASIC"`
	PlanPremium   Plan `envconfig:"PLAN_PREMIUM"`
	PlanUnlimited Plan `envconfig:"PLAN_UNLIMITED"`
}

// LoadConfig reads an optional .env file, then environment variables, and
// populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	cfg := Default()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration with the plan table preset. Environment
// variables override individual plan fields.
func Default() *Config {
	return &Config{
		PlanFree:      Plan{Priority: 1, DailyBytes: -1, MaxConcurrent: 1, MaxFileSize: 100 * humanize.MByte, MaxQuality: "720p"},
		PlanBasic:     Plan{Priority: 2, DailyBytes: -1, MaxConcurrent: 2, MaxFileSize: 500 * humanize.MByte, MaxQuality: "1080p"},
		PlanPremium:   Plan{Priority: 3, DailyBytes: -1, MaxConcurrent: 3, MaxFileSize: humanize.GByte, MaxQuality: "best"},
		PlanUnlimited: Plan{Priority: 4, DailyBytes: -1, MaxConcurrent: 5, MaxFileSize: 2 * humanize.GByte, MaxQuality: "best"},
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.GlobalMaxConcurrency < 1:
		return errors.New("GLOBAL_MAX_CONCURRENCY must be at least 1")
	case c.ChunkSizeBytes < 1:
		return errors.New("CHUNK_SIZE_BYTES must be positive")
	case c.ChunkUploadParallelism < 1:
		return errors.New("CHUNK_UPLOAD_PARALLELISM must be at least 1")
	case c.FetchRetryBudget < 0 || c.TransferRetryBudget < 0:
		return errors.New("retry budgets must not be negative")
	}

	for tier, p := range c.plans() {
		if _, err := job.ParseQuality(p.MaxQuality); err != nil {
			return fmt.Errorf("plan %s: %w", tier, err)
		}
	}

	return nil
}

// PlanTable converts the configured plans into the quota table.
func (c *Config) PlanTable() quota.PlanTable {
	table := make(quota.PlanTable, 4)

	for tier, p := range c.plans() {
		q, err := job.ParseQuality(p.MaxQuality)
		if err != nil {
			q = job.QualityBest
		}

		table[tier] = quota.Plan{
			Tier:          tier,
			Priority:      p.Priority,
			DailyBytes:    int64(p.DailyBytes),
			MaxConcurrent: p.MaxConcurrent,
			MaxFileSize:   int64(p.MaxFileSize),
			MaxQuality:    q,
		}
	}

	return table
}

func (c *Config) BoostInterval() time.Duration {
	return time.Duration(c.StarvationBoostInterval) * time.Second
}

func (c *Config) plans() map[quota.Tier]Plan {
	return map[quota.Tier]Plan{
		quota.TierFree:      c.PlanFree,
		quota.TierBasic:     c.PlanBasic,
		quota.TierPremium:   c.PlanPremium,
		quota.TierUnlimited: c.PlanUnlimited,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
