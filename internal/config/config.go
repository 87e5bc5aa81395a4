// Package config provides the configuration structure for tts-batch.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to zero values.
const (
	DefaultWorkers             = 5
	DefaultMaxRetries          = 3
	DefaultFileNameFormat      = "%05d.mp3"
	DefaultMinCreditThreshold  = 500
	DefaultRateLimitCooldown   = 60
	DefaultMaxBackoff          = 30
	DefaultLoopDelay           = 5
	DefaultTTSBaseURL          = "https://api.elevenlabs.io"
	DefaultTTSTimeout          = 120
	DefaultProgressSubject     = "tts.batch.progress"
	DefaultItemSubject         = "tts.batch.item"
	DefaultAudioCreatedSubject = "audio.chunk.created"
	DefaultAudioBucket         = "AUDIO_FILES"
	DefaultControlSubject      = "tts.batch.control"

	minWorkers = 1
	maxWorkers = 50
)

// Static errors.
var (
	ErrWorkersOutOfRange = errors.New("engine.workers must be between 1 and 50")
	ErrNegativeRetries   = errors.New("engine.max_retries cannot be negative")
	ErrOutputDirMissing  = errors.New("engine.output_dir is required")
	ErrKeyringMissing    = errors.New("paths.keyring_file is required")
	ErrLogsDirMissing    = errors.New("paths.base_logs_dir is required")
	ErrNATSURLMissing    = errors.New("nats.url is required when nats is enabled")
	ErrNegativeLoopCount = errors.New("engine.loop_count cannot be negative")
)

// EngineConfig holds the batch engine settings.
type EngineConfig struct {
	Workers                  int    `toml:"workers"`
	MaxRetries               *int   `toml:"max_retries"`
	DefaultVoiceID           string `toml:"default_voice_id"`
	OutputDir                string `toml:"output_dir"`
	FileNameFormat           string `toml:"file_name_format"`
	MinCreditThreshold       int    `toml:"min_credit_threshold"`
	RateLimitCooldownSeconds int    `toml:"rate_limit_cooldown_seconds"`
	MaxBackoffSeconds        int    `toml:"max_backoff_seconds"`
	RequestDelayMillis       int    `toml:"request_delay_ms"`
	NormalizeText            bool   `toml:"normalize_text"`
	LoopEnabled              bool   `toml:"loop_enabled"`
	LoopCount                int    `toml:"loop_count"`
	LoopDelaySeconds         *int   `toml:"loop_delay_seconds"`
}

// TTSConfig holds the settings of the text-to-speech HTTP client.
type TTSConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled                  bool   `toml:"enabled"`
	URL                      string `toml:"url"`
	ProgressSubject          string `toml:"progress_subject"`
	ItemSubject              string `toml:"item_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	ControlSubject           string `toml:"control_subject"`
	WorkflowID               string `toml:"workflow_id"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	KeyringFile string `toml:"keyring_file"`
}

// Config is the root configuration structure.
type Config struct {
	Engine EngineConfig `toml:"engine"`
	TTS    TTSConfig    `toml:"tts"`
	NATS   NATSConfig   `toml:"nats"`
	Paths  PathsConfig  `toml:"paths"`
}

// Load discovers and loads the configuration through the configurator, then
// applies defaults and validates it.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(&cfg)
}

// LoadFile loads the configuration from an explicit TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}

	return finalize(&cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Engine.Workers == 0 {
		c.Engine.Workers = DefaultWorkers
	}

	if c.Engine.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.Engine.MaxRetries = &retries
	}

	if c.Engine.LoopDelaySeconds == nil {
		delay := DefaultLoopDelay
		c.Engine.LoopDelaySeconds = &delay
	}

	setDefault(&c.Engine.FileNameFormat, DefaultFileNameFormat)
	setDefaultInt(&c.Engine.MinCreditThreshold, DefaultMinCreditThreshold)
	setDefaultInt(&c.Engine.RateLimitCooldownSeconds, DefaultRateLimitCooldown)
	setDefaultInt(&c.Engine.MaxBackoffSeconds, DefaultMaxBackoff)
	setDefault(&c.TTS.BaseURL, DefaultTTSBaseURL)
	setDefaultInt(&c.TTS.TimeoutSeconds, DefaultTTSTimeout)
	setDefault(&c.NATS.ProgressSubject, DefaultProgressSubject)
	setDefault(&c.NATS.ItemSubject, DefaultItemSubject)
	setDefault(&c.NATS.AudioChunkCreatedSubject, DefaultAudioCreatedSubject)
	setDefault(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)
	setDefault(&c.NATS.ControlSubject, DefaultControlSubject)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.Workers < minWorkers || c.Engine.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrWorkersOutOfRange, c.Engine.Workers))
	}

	if c.Engine.MaxRetries != nil && *c.Engine.MaxRetries < 0 {
		errs = append(errs, ErrNegativeRetries)
	}

	if c.Engine.LoopCount < 0 {
		errs = append(errs, ErrNegativeLoopCount)
	}

	if c.Engine.OutputDir == "" {
		errs = append(errs, ErrOutputDirMissing)
	}

	if c.Paths.KeyringFile == "" {
		errs = append(errs, ErrKeyringMissing)
	}

	if c.Paths.BaseLogsDir == "" {
		errs = append(errs, ErrLogsDirMissing)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, ErrNATSURLMissing)
	}

	return errors.Join(errs...)
}

// Retries returns the configured retry count.
func (e EngineConfig) Retries() int {
	if e.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *e.MaxRetries
}

// RateLimitCooldown returns the cooldown applied to a throttled credential.
func (e EngineConfig) RateLimitCooldown() time.Duration {
	return time.Duration(e.RateLimitCooldownSeconds) * time.Second
}

// MaxBackoff returns the cap on the transient retry delay.
func (e EngineConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffSeconds) * time.Second
}

// RequestDelay returns the minimum spacing between synthesis requests.
func (e EngineConfig) RequestDelay() time.Duration {
	return time.Duration(e.RequestDelayMillis) * time.Millisecond
}

// LoopDelay returns the pause between loop passes.
func (e EngineConfig) LoopDelay() time.Duration {
	if e.LoopDelaySeconds == nil {
		return DefaultLoopDelay * time.Second
	}

	return time.Duration(*e.LoopDelaySeconds) * time.Second
}

// Timeout returns the HTTP client timeout.
func (t TTSConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setDefaultInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
