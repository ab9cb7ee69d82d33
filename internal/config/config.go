// Package config provides configuration management for dashpipe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPTimeout          = 30 * time.Second
	defaultRetryAttempts        = 2
	defaultRetryDelay           = 500 * time.Millisecond
	defaultRetryMaxDelay        = 5 * time.Second
	defaultBackoffMultiplier    = 2.0
	defaultCircuitThreshold     = 5
	defaultCircuitTimeout       = 15 * time.Second
	defaultCircuitHalfOpenMax   = 1
	defaultMaxResponseSize      = 64 * 1024 * 1024 // 64MB
	defaultMinBuffer            = 4 * time.Second
	defaultMaxBuffer            = 20 * time.Second
	defaultMaxSegmentRetries    = 3
	defaultThroughputWindow     = 10
	defaultThroughputMinSamples = 1
	defaultEventBufferSize      = 256
	defaultTimeUpdateInterval   = 100 * time.Millisecond
	defaultPlaybackRate         = 1.0
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Throughput ThroughputConfig `mapstructure:"throughput"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Player     PlayerConfig     `mapstructure:"player"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds segment download client configuration.
type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	CircuitThreshold   int           `mapstructure:"circuit_threshold"`
	CircuitTimeout     time.Duration `mapstructure:"circuit_timeout"`
	CircuitHalfOpenMax int           `mapstructure:"circuit_half_open_max"`
	UserAgent          string        `mapstructure:"user_agent"`
	// MaxResponseSize caps a single segment body after decompression.
	// Supports human-readable values like "64MB" or raw byte counts.
	MaxResponseSize ByteSize `mapstructure:"max_response_size"`
}

// FetcherConfig holds segment fetcher buffering configuration.
type FetcherConfig struct {
	MinBuffer         time.Duration `mapstructure:"min_buffer"` // buffered-ahead time that ends buffering
	MaxBuffer         time.Duration `mapstructure:"max_buffer"` // downloads pause above this
	MaxSegmentRetries int           `mapstructure:"max_segment_retries"`
}

// ThroughputConfig holds throughput estimator configuration.
type ThroughputConfig struct {
	WindowSize int `mapstructure:"window_size"`
	MinSamples int `mapstructure:"min_samples"`
}

// PipelineConfig holds media pipeline configuration.
type PipelineConfig struct {
	AdaptiveStreaming bool     `mapstructure:"adaptive_streaming"`
	Streams           []string `mapstructure:"streams"` // audio, video, subtitle
	EventBufferSize   int      `mapstructure:"event_buffer_size"`
}

// PlayerConfig holds the settings of the simulated playback clock used by the play command.
type PlayerConfig struct {
	TimeUpdateInterval time.Duration `mapstructure:"time_update_interval"`
	PlaybackRate       float64       `mapstructure:"playback_rate"`
	StopAfter          time.Duration `mapstructure:"stop_after"` // 0 plays to the end
	// LiveDelay overrides the MPD's suggested presentation delay for live
	// presentations. 0 uses the MPD value.
	LiveDelay time.Duration `mapstructure:"live_delay"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DASHPIPE_ and use underscores for nesting.
// Example: DASHPIPE_FETCHER_MAX_BUFFER=30s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dashpipe")
		v.AddConfigPath("$HOME/.dashpipe")
	}

	v.SetEnvPrefix("DASHPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook returns the mapstructure hooks needed for Duration, ByteSize and
// comma separated list values.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("http.backoff_multiplier", defaultBackoffMultiplier)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.circuit_half_open_max", defaultCircuitHalfOpenMax)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.max_response_size", defaultMaxResponseSize)

	// Fetcher defaults
	v.SetDefault("fetcher.min_buffer", defaultMinBuffer)
	v.SetDefault("fetcher.max_buffer", defaultMaxBuffer)
	v.SetDefault("fetcher.max_segment_retries", defaultMaxSegmentRetries)

	// Throughput defaults
	v.SetDefault("throughput.window_size", defaultThroughputWindow)
	v.SetDefault("throughput.min_samples", defaultThroughputMinSamples)

	// Pipeline defaults
	v.SetDefault("pipeline.adaptive_streaming", true)
	v.SetDefault("pipeline.streams", []string{"audio", "video"})
	v.SetDefault("pipeline.event_buffer_size", defaultEventBufferSize)

	// Player defaults
	v.SetDefault("player.time_update_interval", defaultTimeUpdateInterval)
	v.SetDefault("player.playback_rate", defaultPlaybackRate)
	v.SetDefault("player.stop_after", time.Duration(0))
	v.SetDefault("player.live_delay", time.Duration(0))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// HTTP validation
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}
	if c.HTTP.BackoffMultiplier < 1 {
		return fmt.Errorf("http.backoff_multiplier must be at least 1")
	}

	// Fetcher validation
	if c.Fetcher.MinBuffer <= 0 {
		return fmt.Errorf("fetcher.min_buffer must be positive")
	}
	if c.Fetcher.MaxBuffer < c.Fetcher.MinBuffer {
		return fmt.Errorf("fetcher.max_buffer must not be below fetcher.min_buffer")
	}
	if c.Fetcher.MaxSegmentRetries < 1 {
		return fmt.Errorf("fetcher.max_segment_retries must be at least 1")
	}

	// Throughput validation
	if c.Throughput.WindowSize < 1 {
		return fmt.Errorf("throughput.window_size must be at least 1")
	}
	if c.Throughput.MinSamples < 1 || c.Throughput.MinSamples > c.Throughput.WindowSize {
		return fmt.Errorf("throughput.min_samples must be between 1 and throughput.window_size")
	}

	// Pipeline validation
	validStreams := map[string]bool{"audio": true, "video": true, "subtitle": true}
	if len(c.Pipeline.Streams) == 0 {
		return fmt.Errorf("pipeline.streams must name at least one stream type")
	}
	for _, s := range c.Pipeline.Streams {
		if !validStreams[s] {
			return fmt.Errorf("pipeline.streams entries must be one of: audio, video, subtitle")
		}
	}
	if c.Pipeline.EventBufferSize < 1 {
		return fmt.Errorf("pipeline.event_buffer_size must be at least 1")
	}

	// Player validation
	if c.Player.TimeUpdateInterval <= 0 {
		return fmt.Errorf("player.time_update_interval must be positive")
	}
	if c.Player.PlaybackRate <= 0 {
		return fmt.Errorf("player.playback_rate must be positive")
	}
	if c.Player.StopAfter < 0 || c.Player.LiveDelay < 0 {
		return fmt.Errorf("player.stop_after and player.live_delay must not be negative")
	}

	return nil
}
