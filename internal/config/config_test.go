package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSize_Decode(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "20MB", want: 20_000_000},
		{in: "1GiB", want: 1 << 30},
		{in: "1024", want: 1024},
		{in: "-1", want: -1},
		{in: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var b ByteSize

			err := b.Decode(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, b)
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.GlobalMaxConcurrency)
	assert.Equal(t, ByteSize(20_000_000), cfg.ChunkSizeBytes)
	assert.Equal(t, time.Minute, cfg.BoostInterval())
	assert.Equal(t, "local", cfg.Destination)

	plans := cfg.PlanTable()
	require.Len(t, plans, 4)
	assert.Equal(t, quota.Plan{
		Tier: quota.TierFree, Priority: 1, DailyBytes: -1, MaxConcurrent: 1,
		MaxFileSize: 100_000_000, MaxQuality: job.Quality720p,
	}, plans[quota.TierFree])
	assert.Equal(t, 4, plans[quota.TierUnlimited].Priority)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GLOBAL_MAX_CONCURRENCY", "8")
	t.Setenv("PLAN_FREE_MAX_FILE_SIZE", "500MB")
	t.Setenv("PLAN_FREE_DAILY_BYTES", "2GB")
	t.Setenv("PLAN_PREMIUM_MAX_QUALITY", "4k")
	t.Setenv("S3_BUCKET", "media")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	plans := cfg.PlanTable()
	assert.Equal(t, 8, cfg.GlobalMaxConcurrency)
	assert.Equal(t, int64(500_000_000), plans[quota.TierFree].MaxFileSize)
	assert.Equal(t, int64(2_000_000_000), plans[quota.TierFree].DailyBytes)
	assert.Equal(t, 1, plans[quota.TierFree].Priority, "untouched fields keep their preset")
	assert.Equal(t, job.Quality2160p, plans[quota.TierPremium].MaxQuality)
	assert.Equal(t, "media", cfg.S3.Bucket)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "zero workers", key: "GLOBAL_MAX_CONCURRENCY", val: "0"},
		{name: "zero parallelism", key: "CHUNK_UPLOAD_PARALLELISM", val: "0"},
		{name: "unknown quality", key: "PLAN_BASIC_MAX_QUALITY", val: "8k"},
		{name: "bad size", key: "CHUNK_SIZE_BYTES", val: "big"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
