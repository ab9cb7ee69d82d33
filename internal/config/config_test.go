package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Timeout:           10 * time.Second,
			RetryAttempts:     1,
			BackoffMultiplier: 2,
		},
		Fetcher: FetcherConfig{
			MinBuffer:         2 * time.Second,
			MaxBuffer:         10 * time.Second,
			MaxSegmentRetries: 3,
		},
		Throughput: ThroughputConfig{WindowSize: 5, MinSamples: 1},
		Pipeline: PipelineConfig{
			AdaptiveStreaming: true,
			Streams:           []string{"audio", "video"},
			EventBufferSize:   16,
		},
		Player: PlayerConfig{TimeUpdateInterval: time.Second, PlaybackRate: 1},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.RFC3339, cfg.Logging.TimeFormat)

	// HTTP defaults
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 2, cfg.HTTP.RetryAttempts)
	assert.Equal(t, ByteSize(64*1024*1024), cfg.HTTP.MaxResponseSize)

	// Fetcher defaults
	assert.Equal(t, 4*time.Second, cfg.Fetcher.MinBuffer)
	assert.Equal(t, 20*time.Second, cfg.Fetcher.MaxBuffer)
	assert.Equal(t, 3, cfg.Fetcher.MaxSegmentRetries)

	// Pipeline defaults
	assert.True(t, cfg.Pipeline.AdaptiveStreaming)
	assert.Equal(t, []string{"audio", "video"}, cfg.Pipeline.Streams)
	assert.Equal(t, 256, cfg.Pipeline.EventBufferSize)

	// Player defaults
	assert.Equal(t, 1.0, cfg.Player.PlaybackRate)
	assert.Zero(t, cfg.Player.StopAfter)
	assert.Zero(t, cfg.Player.LiveDelay)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: text
http:
  max_response_size: 8MB
  retry_delay: 250ms
fetcher:
  min_buffer: 3s
  max_buffer: 12s
pipeline:
  streams: [audio, video, subtitle]
player:
  live_delay: 6s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.HTTP.MaxResponseSize)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.RetryDelay)
	assert.Equal(t, 3*time.Second, cfg.Fetcher.MinBuffer)
	assert.Equal(t, 12*time.Second, cfg.Fetcher.MaxBuffer)
	assert.Equal(t, []string{"audio", "video", "subtitle"}, cfg.Pipeline.Streams)
	assert.Equal(t, 6*time.Second, cfg.Player.LiveDelay)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DASHPIPE_LOGGING_LEVEL", "warn")
	t.Setenv("DASHPIPE_FETCHER_MAX_BUFFER", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Fetcher.MaxBuffer)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"trace log level", func(c *Config) { c.Logging.Level = "trace" }, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"negative retries", func(c *Config) { c.HTTP.RetryAttempts = -1 }, "http.retry_attempts"},
		{"backoff below one", func(c *Config) { c.HTTP.BackoffMultiplier = 0.5 }, "http.backoff_multiplier"},
		{"max buffer below min", func(c *Config) { c.Fetcher.MaxBuffer = time.Second }, "fetcher.max_buffer"},
		{"no segment retries", func(c *Config) { c.Fetcher.MaxSegmentRetries = 0 }, "fetcher.max_segment_retries"},
		{"min samples above window", func(c *Config) { c.Throughput.MinSamples = 6 }, "throughput.min_samples"},
		{"unknown stream", func(c *Config) { c.Pipeline.Streams = []string{"data"} }, "pipeline.streams"},
		{"no streams", func(c *Config) { c.Pipeline.Streams = nil }, "pipeline.streams"},
		{"zero playback rate", func(c *Config) { c.Player.PlaybackRate = 0 }, "player.playback_rate"},
		{"zero time update interval", func(c *Config) { c.Player.TimeUpdateInterval = 0 }, "player.time_update_interval"},
		{"negative live delay", func(c *Config) { c.Player.LiveDelay = -time.Second }, "player.live_delay"},
		{"negative stop after", func(c *Config) { c.Player.StopAfter = -time.Second }, "player.stop_after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
