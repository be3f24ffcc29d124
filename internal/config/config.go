// Package config provides the configuration structure for the avatar-service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override credentials from the TOML document.
const (
	EnvVoiceAPIKey   = "ELEVENLABS_API_KEY"
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvLipSyncAPIKey = "LIPSYNC_API_KEY"
)

// Staging backends.
const (
	StagingLocal = "local"
	StagingNATS  = "nats"
)

// Default values.
const (
	defaultHost                  = "0.0.0.0"
	defaultPort                  = 8000
	defaultAllowedOrigin         = "http://localhost:3000"
	defaultShutdownTimeout       = 10
	defaultMaxUploadMB           = 64
	defaultVoiceBaseURL          = "https://api.elevenlabs.io"
	defaultVoiceModelID          = "eleven_multilingual_v2"
	defaultProviderTimeout       = 60
	defaultChatModel             = "gpt-4o-mini"
	defaultTranscriptionBaseURL  = "https://api.openai.com/v1"
	defaultTranscriptionModel    = "whisper-1"
	defaultLipSyncSubmitPath     = "/jobs"
	defaultPollIntervalMillis    = 1000
	defaultMaxPollIntervalMillis = 10000
	defaultPollTimeoutSeconds    = 600
	defaultMaxPollRetries        = 3
	defaultBackendAssetDir       = "assets/videos"
	defaultFrontendAssetDir      = "frontend/public"
	defaultStagingTTLSeconds     = 3600
	defaultGenerateSubject       = "avatar.generate"
	defaultJobEventsSubject      = "avatar.lipsync.events"
	defaultStagingBucket         = "AVATAR_STAGING"
	defaultHandleTimeoutSeconds  = 900
	defaultMaxConcurrentJobs     = 4
	defaultLogsDir               = "logs"
)

// ServerConfig holds the configuration for the HTTP listener.
type ServerConfig struct {
	Host                   string   `toml:"host"`
	Port                   int      `toml:"port"`
	AllowedOrigins         []string `toml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	MaxUploadMB            int64    `toml:"max_upload_mb"`
}

// VoiceConfig holds the configuration for the voice cloning and TTS provider.
type VoiceConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	ModelID        string `toml:"model_id"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ChatConfig holds the configuration for the chat completion provider.
type ChatConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	MaxTokens      int     `toml:"max_tokens"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// TranscriptionConfig holds the configuration for the transcription provider.
type TranscriptionConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LipSyncConfig holds the configuration for the lip-sync provider and the
// polling policy applied to asynchronous jobs.
type LipSyncConfig struct {
	BaseURL               string `toml:"base_url"`
	SubmitPath            string `toml:"submit_path"`
	APIKey                string `toml:"api_key"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	PollIntervalMillis    int    `toml:"poll_interval_ms"`
	MaxPollIntervalMillis int    `toml:"max_poll_interval_ms"`
	PollTimeoutSeconds    int    `toml:"poll_timeout_seconds"`
	MaxPollRetries        int    `toml:"max_poll_retries"`
}

// AssetsConfig holds the directories used for face videos and staging.
type AssetsConfig struct {
	BackendDir        string `toml:"backend_dir"`
	FrontendDir       string `toml:"frontend_dir"`
	StagingDir        string `toml:"staging_dir"`
	StagingBackend    string `toml:"staging_backend"`
	StagingTTLSeconds int    `toml:"staging_ttl_seconds"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables it.
type NATSConfig struct {
	URL                  string `toml:"url"`
	GenerateSubject      string `toml:"generate_subject"`
	JobEventsSubject     string `toml:"job_events_subject"`
	StagingBucket        string `toml:"staging_bucket"`
	HandleTimeoutSeconds int    `toml:"handle_timeout_seconds"`
	MaxConcurrentJobs    int    `toml:"max_concurrent_jobs"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Voice         VoiceConfig         `toml:"voice"`
	Chat          ChatConfig          `toml:"chat"`
	Transcription TranscriptionConfig `toml:"transcription"`
	LipSync       LipSyncConfig       `toml:"lipsync"`
	Assets        AssetsConfig        `toml:"assets"`
	NATS          NATSConfig          `toml:"nats"`
	Paths         PathsConfig         `toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnv()

	return &cfg, nil
}

// LoadFile loads the configuration from a TOML file on disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnv()

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Host, defaultHost)
	setInt(&c.Server.Port, defaultPort)
	setInt(&c.Server.ShutdownTimeoutSeconds, defaultShutdownTimeout)

	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{defaultAllowedOrigin}
	}

	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = defaultMaxUploadMB
	}

	setString(&c.Voice.BaseURL, defaultVoiceBaseURL)
	setString(&c.Voice.ModelID, defaultVoiceModelID)
	setInt(&c.Voice.TimeoutSeconds, defaultProviderTimeout)

	setString(&c.Chat.Model, defaultChatModel)
	setInt(&c.Chat.TimeoutSeconds, defaultProviderTimeout)

	setString(&c.Transcription.BaseURL, defaultTranscriptionBaseURL)
	setString(&c.Transcription.Model, defaultTranscriptionModel)
	setInt(&c.Transcription.TimeoutSeconds, defaultProviderTimeout)

	setString(&c.LipSync.SubmitPath, defaultLipSyncSubmitPath)
	setInt(&c.LipSync.RequestTimeoutSeconds, defaultProviderTimeout)
	setInt(&c.LipSync.PollIntervalMillis, defaultPollIntervalMillis)
	setInt(&c.LipSync.MaxPollIntervalMillis, defaultMaxPollIntervalMillis)
	setInt(&c.LipSync.PollTimeoutSeconds, defaultPollTimeoutSeconds)

	// A negative retry budget disables status-check retries.
	if c.LipSync.MaxPollRetries == 0 {
		c.LipSync.MaxPollRetries = defaultMaxPollRetries
	}

	if c.LipSync.MaxPollIntervalMillis < c.LipSync.PollIntervalMillis {
		c.LipSync.MaxPollIntervalMillis = c.LipSync.PollIntervalMillis
	}

	setString(&c.Assets.BackendDir, defaultBackendAssetDir)
	setString(&c.Assets.FrontendDir, defaultFrontendAssetDir)
	setString(&c.Assets.StagingDir, os.TempDir())
	setString(&c.Assets.StagingBackend, StagingLocal)
	setInt(&c.Assets.StagingTTLSeconds, defaultStagingTTLSeconds)

	setString(&c.NATS.GenerateSubject, defaultGenerateSubject)
	setString(&c.NATS.JobEventsSubject, defaultJobEventsSubject)
	setString(&c.NATS.StagingBucket, defaultStagingBucket)
	setInt(&c.NATS.HandleTimeoutSeconds, defaultHandleTimeoutSeconds)
	setInt(&c.NATS.MaxConcurrentJobs, defaultMaxConcurrentJobs)

	setString(&c.Paths.BaseLogsDir, defaultLogsDir)
}

// ApplyEnv overrides provider credentials with values from the environment.
// The OpenAI key serves both the chat and the transcription provider.
func (c *Config) ApplyEnv() {
	overrideFromEnv(&c.Voice.APIKey, EnvVoiceAPIKey)
	overrideFromEnv(&c.Chat.APIKey, EnvOpenAIAPIKey)
	overrideFromEnv(&c.Transcription.APIKey, EnvOpenAIAPIKey)
	overrideFromEnv(&c.LipSync.APIKey, EnvLipSyncAPIKey)
}

// MissingCredentials lists the provider credentials that are not set.
func (c *Config) MissingCredentials() []string {
	var missing []string

	if c.Voice.APIKey == "" {
		missing = append(missing, "voice.api_key")
	}

	if c.Chat.APIKey == "" {
		missing = append(missing, "chat.api_key")
	}

	if c.Transcription.APIKey == "" {
		missing = append(missing, "transcription.api_key")
	}

	if c.LipSync.APIKey == "" {
		missing = append(missing, "lipsync.api_key")
	}

	return missing
}

// MissingEndpoints lists the provider endpoints that have no default and are
// not set.
func (c *Config) MissingEndpoints() []string {
	var missing []string

	if strings.TrimSpace(c.LipSync.BaseURL) == "" {
		missing = append(missing, "lipsync.base_url")
	}

	return missing
}

// Address returns the host:port pair the HTTP server listens on.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the multipart upload limit in bytes.
func (c ServerConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// Timeout returns the per-request timeout for the voice provider.
func (c VoiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the per-request timeout for the chat provider.
func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the per-request timeout for the transcription provider.
func (c TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the timeout of a single lip-sync HTTP request.
func (c LipSyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the initial delay between status checks.
func (c LipSyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// MaxPollInterval returns the upper bound of the backoff delay.
func (c LipSyncConfig) MaxPollInterval() time.Duration {
	return time.Duration(c.MaxPollIntervalMillis) * time.Millisecond
}

// PollTimeout returns the wall-clock budget for polling one job.
func (c LipSyncConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// SubmitURL returns the absolute job-creation endpoint.
func (c LipSyncConfig) SubmitURL() string {
	return c.BaseURL + c.SubmitPath
}

// StagingTTL returns how long staged objects may live in the object store.
func (c AssetsConfig) StagingTTL() time.Duration {
	return time.Duration(c.StagingTTLSeconds) * time.Second
}

// HandleTimeout returns the budget for one NATS generate request.
func (c NATSConfig) HandleTimeout() time.Duration {
	return time.Duration(c.HandleTimeoutSeconds) * time.Second
}

// Enabled reports whether a NATS server is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}

func overrideFromEnv(field *string, name string) {
	if value := os.Getenv(name); value != "" {
		*field = value
	}
}
