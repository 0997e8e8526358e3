package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline process.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// An optional YAML overlay file (FLEETWATCH_CONFIG_FILE) is applied
// between layers 1 and 2 so that env vars still win over the file.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("fleetwatch"),
//	    core.WithPort(3000),
//	)
type Config struct {
	// Core configuration
	Name    string `yaml:"name"`
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`

	// HTTP control-surface server
	HTTP HTTPConfig `yaml:"http"`

	// Scheduler main loop
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Stop detection
	Detection DetectionConfig `yaml:"detection"`

	// Storage bridge (bearer-authenticated JSON CRUD)
	Bridge BridgeConfig `yaml:"bridge"`

	// Voice agent
	Vapi VapiConfig `yaml:"vapi"`

	// Provider portal fetchers
	Fetch FetchConfig `yaml:"fetch"`

	// Reverse geocoding helper (webhook path only)
	Maps MapsConfig `yaml:"maps"`

	// Runtime-state store
	State StateConfig `yaml:"state"`

	// Telemetry (optional module)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Resilience configuration
	Resilience ResilienceConfig `yaml:"resilience"`
}

// HTTPConfig contains control-surface server configuration.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig contains the cron cadence settings, driven by the
// SCHEDULER_ENABLED / CRON_SCHEDULE environment contract.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CronSchedule    string        `yaml:"cron_schedule"`
	IdleLogInterval time.Duration `yaml:"idle_log_interval"`
}

// DetectionConfig tunes the stop detector and its cadence.
type DetectionConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Interval                time.Duration `yaml:"interval"`
	DefaultThresholdMinutes int           `yaml:"default_threshold_minutes"`
	StopRadiusMeters        float64       `yaml:"stop_radius_meters"`
	SpeedGateKmh            float64       `yaml:"speed_gate_kmh"`
	DebounceWindow          time.Duration `yaml:"debounce_window"`
	MaxCoords               int           `yaml:"max_coords"`
}

// BridgeConfig points at the remote storage bridge.
type BridgeConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	MutationTimeout time.Duration `yaml:"mutation_timeout"`
	LLMTimeout      time.Duration `yaml:"llm_timeout"`
	WebhookTimeout  time.Duration `yaml:"webhook_timeout"`
	TokenLifetime   time.Duration `yaml:"token_lifetime"`
	RefreshSkew     time.Duration `yaml:"refresh_skew"`
}

// VapiConfig configures the outbound voice-agent client.
// Direct mode requires PrivateKey and PhoneNumberID; otherwise the
// engine falls back to the legacy webhook bridge.
type VapiConfig struct {
	PrivateKey            string        `yaml:"private_key"`
	PhoneNumberID         string        `yaml:"phone_number_id"`
	AssistantID           string        `yaml:"assistant_id"`
	BaseURL               string        `yaml:"base_url"`
	VoiceID               string        `yaml:"voice_id"`
	VoiceModel            string        `yaml:"voice_model"`
	Language              string        `yaml:"language"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	MaxDurationSeconds    int           `yaml:"max_duration_seconds"`
	SilenceTimeoutSeconds int           `yaml:"silence_timeout_seconds"`
}

// FetchConfig tunes provider portal fetchers and the coordinator.
type FetchConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	UserAgent        string        `yaml:"user_agent"`
	AcceptLanguage   string        `yaml:"accept_language"`
	MaxCoordsPerTrip int           `yaml:"max_coords_per_trip"`
	// FallbackTrip routes coords with no matching trip to the first
	// active trip so provider data is not lost. Disable when trips are
	// strictly bound to providers.
	FallbackTrip bool `yaml:"fallback_trip"`
}

// MapsConfig holds the reverse-geocoding key (webhook handler only).
type MapsConfig struct {
	APIKey string `yaml:"api_key"`
}

// StateConfig selects the runtime-state store backend.
type StateConfig struct {
	Provider string `yaml:"provider"` // "inmemory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// TelemetryConfig contains observability configuration.
// Tracing is only initialized when Enabled=true.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResilienceConfig contains fault tolerance settings for outbound calls.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Threshold        int           `yaml:"threshold"`
	SleepWindow      time.Duration `yaml:"sleep_window"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// Option is a functional option for configuring the pipeline.
// Options are applied last and can return an error if the value is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:    "fleetwatch",
		Port:    3000,
		Address: "",
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			CronSchedule:    "*/1 * * * *",
			IdleLogInterval: 10 * time.Minute,
		},
		Detection: DetectionConfig{
			Enabled:                 true,
			Interval:                5 * time.Minute,
			DefaultThresholdMinutes: 30,
			StopRadiusMeters:        100,
			SpeedGateKmh:            5,
			DebounceWindow:          60 * time.Minute,
			MaxCoords:               50,
		},
		Bridge: BridgeConfig{
			QueryTimeout:    30 * time.Second,
			MutationTimeout: 15 * time.Second,
			LLMTimeout:      60 * time.Second,
			WebhookTimeout:  30 * time.Second,
			TokenLifetime:   8 * time.Hour,
			RefreshSkew:     5 * time.Minute,
		},
		Vapi: VapiConfig{
			BaseURL:               "https://api.vapi.ai",
			VoiceModel:            "eleven_multilingual_v2",
			Language:              "es",
			CallTimeout:           30 * time.Second,
			MaxDurationSeconds:    120,
			SilenceTimeoutSeconds: 30,
		},
		Fetch: FetchConfig{
			Timeout:          15 * time.Second,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			AcceptLanguage:   "en-US,en;q=0.9,es;q=0.8",
			MaxCoordsPerTrip: 50,
			FallbackTrip:     true,
		},
		State: StateConfig{
			Provider: "inmemory",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Insecure: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				SleepWindow:      30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts defaults based on the detected environment.
// Kubernetes: bind all interfaces, JSON logs. Local: text logs.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
	} else {
		c.Address = "localhost"
		c.Logging.Format = "text"
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults and the overlay
// file but are overridden by functional options.
//
// Variable naming convention:
//   - Pipeline contract: SCHEDULER_ENABLED, CRON_SCHEDULE, AI_DETECTION_*,
//     VAPI_*, API_*, GOOGLE_MAPS_API_KEY (inherited surface)
//   - Process-specific: FLEETWATCH_<SETTING>
func (c *Config) LoadFromEnv() error {
	// Core settings
	if v := os.Getenv("FLEETWATCH_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("FLEETWATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("FLEETWATCH_ADDRESS"); v != "" {
		c.Address = v
	}

	// Scheduler settings
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = parseBool(v)
	}
	if v := os.Getenv("CRON_SCHEDULE"); v != "" {
		c.Scheduler.CronSchedule = v
	}

	// Detection settings
	if v := os.Getenv("AI_DETECTION_ENABLED"); v != "" {
		c.Detection.Enabled = parseBool(v)
	}
	if v := os.Getenv("AI_DETECTION_INTERVAL_MIN"); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes >= 1 {
			c.Detection.Interval = time.Duration(minutes) * time.Minute
		}
	}

	// Storage bridge settings
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.Bridge.BaseURL = v
	}
	if v := os.Getenv("API_USERNAME"); v != "" {
		c.Bridge.Username = v
	}
	if v := os.Getenv("API_PASSWORD"); v != "" {
		c.Bridge.Password = v
	}

	// Voice agent settings
	if v := os.Getenv("VAPI_PRIVATE_KEY"); v != "" {
		c.Vapi.PrivateKey = v
	}
	if v := os.Getenv("VAPI_PHONE_NUMBER_ID"); v != "" {
		c.Vapi.PhoneNumberID = v
	}
	if v := os.Getenv("VAPI_ASSISTANT_ID"); v != "" {
		c.Vapi.AssistantID = v
	}
	if v := os.Getenv("VAPI_BASE_URL"); v != "" {
		c.Vapi.BaseURL = v
	}
	if v := os.Getenv("VAPI_VOICE_ID"); v != "" {
		c.Vapi.VoiceID = v
	}
	if v := os.Getenv("VAPI_LANGUAGE"); v != "" {
		c.Vapi.Language = v
	}

	// Fetcher settings
	if v := os.Getenv("FLEETWATCH_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Fetch.Timeout = d
		}
	}
	if v := os.Getenv("FLEETWATCH_FALLBACK_TRIP"); v != "" {
		c.Fetch.FallbackTrip = parseBool(v)
	}

	// Maps settings
	if v := os.Getenv("GOOGLE_MAPS_API_KEY"); v != "" {
		c.Maps.APIKey = v
	}

	// Runtime-state settings
	if v := os.Getenv("FLEETWATCH_REDIS_URL"); v != "" {
		c.State.Provider = "redis"
		c.State.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.State.Provider = "redis"
		c.State.RedisURL = v
	}

	// Telemetry settings
	if v := os.Getenv("FLEETWATCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if OTEL endpoint is present
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Name
	}

	// Logging settings
	if v := os.Getenv("FLEETWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLEETWATCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	// NODE_ENV is honored for verbosity parity with the legacy deployment
	if os.Getenv("NODE_ENV") == "development" {
		c.Logging.Level = "debug"
	}

	return nil
}

// LoadFromFile applies a YAML overlay file on top of the current values.
// Missing file is not an error when the path came from the default; an
// explicitly configured path that cannot be read is.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// NewConfig creates a configuration applying the three priority layers.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("FLEETWATCH_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfiguration)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfiguration, c.Port)
	}
	if c.Scheduler.CronSchedule == "" {
		return fmt.Errorf("%w: cron schedule is required", ErrInvalidConfiguration)
	}
	if c.Detection.Interval < time.Minute {
		return fmt.Errorf("%w: detection interval must be at least 1 minute", ErrInvalidConfiguration)
	}
	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("%w: API_BASE_URL", ErrMissingConfiguration)
	}
	if c.State.Provider == "redis" && c.State.RedisURL == "" {
		return fmt.Errorf("%w: redis state provider needs a redis url", ErrInvalidConfiguration)
	}
	return nil
}

// DirectCallMode reports whether the escalation engine can place calls
// directly against the voice-agent API.
func (c *Config) DirectCallMode() bool {
	return c.Vapi.PrivateKey != "" && c.Vapi.PhoneNumberID != ""
}

// WithName sets the process name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name cannot be empty", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the control-surface port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: port must be 1-65535", ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithBridge sets the storage bridge endpoint and credentials.
func WithBridge(baseURL, username, password string) Option {
	return func(c *Config) error {
		if baseURL == "" {
			return fmt.Errorf("%w: bridge base url cannot be empty", ErrInvalidConfiguration)
		}
		c.Bridge.BaseURL = baseURL
		c.Bridge.Username = username
		c.Bridge.Password = password
		return nil
	}
}

// WithCronSchedule overrides the scheduler cadence.
func WithCronSchedule(schedule string) Option {
	return func(c *Config) error {
		if strings.TrimSpace(schedule) == "" {
			return fmt.Errorf("%w: cron schedule cannot be empty", ErrInvalidConfiguration)
		}
		c.Scheduler.CronSchedule = schedule
		return nil
	}
}

// WithDetectionInterval overrides the AI detection cadence.
func WithDetectionInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < time.Minute {
			return fmt.Errorf("%w: detection interval must be at least 1 minute", ErrInvalidConfiguration)
		}
		c.Detection.Interval = interval
		return nil
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}
