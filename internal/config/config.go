package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the switchboard service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioRegion     string
	TwilioEdge       string

	WebhookBaseURL string
	Voice          string
	Language       string
	SpeechModel    string
	GatherTimeout  int

	PartialProcessing bool

	BackendURL   string
	BackendToken string
	BackendWSURL string

	BreakerThreshold int
	BreakerCooldown  time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration

	SessionMaxAge        time.Duration
	SessionSweepInterval time.Duration
	StreamCheckInterval  time.Duration
	StreamPollWait       time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "switchboard"),

		TwilioAccountSID: stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: stringsTrimSpace("TWILIO_FROM_NUMBER"),
		TwilioRegion:     stringsTrimSpace("TWILIO_REGION"),
		TwilioEdge:       stringsTrimSpace("TWILIO_EDGE"),

		WebhookBaseURL: strings.TrimRight(stringsTrimSpace("TWILIO_WEBHOOK_URL"), "/"),
		Voice:          envOrDefault("TWILIO_VOICE", "Polly.Joanna"),
		Language:       envOrDefault("TWILIO_LANGUAGE", "en-US"),
		SpeechModel:    envOrDefault("TWILIO_SPEECH_MODEL", "googlev2_telephony"),
		GatherTimeout:  5,

		BackendURL:   strings.TrimRight(stringsTrimSpace("BACKEND_URL"), "/"),
		BackendToken: stringsTrimSpace("BACKEND_AUTH_TOKEN"),
		BackendWSURL: stringsTrimSpace("BACKEND_WS_URL"),

		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		RetryAttempts:    3,
		RetryBaseDelay:   500 * time.Millisecond,

		SessionMaxAge:        30 * time.Minute,
		SessionSweepInterval: time.Minute,
		StreamCheckInterval:  time.Minute,
		StreamPollWait:       time.Second,

		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout: 15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GatherTimeout, err = intFromEnv("DEFAULT_GATHER_TIMEOUT", cfg.GatherTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PartialProcessing, err = boolFromEnv("PARTIAL_PROCESSING", cfg.PartialProcessing)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerThreshold, err = intFromEnv("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerCooldown, err = durationFromEnv("BREAKER_COOLDOWN", cfg.BreakerCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryAttempts, err = intFromEnv("RETRY_ATTEMPTS", cfg.RetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = durationFromEnv("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamCheckInterval, err = durationFromEnv("STREAM_CHECK_INTERVAL", cfg.StreamCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamPollWait, err = durationFromEnv("STREAM_POLL_WAIT", cfg.StreamPollWait)
	if err != nil {
		return Config{}, err
	}

	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("BACKEND_URL is required")
	}
	if cfg.WebhookBaseURL == "" {
		return Config{}, fmt.Errorf("TWILIO_WEBHOOK_URL is required")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	if cfg.BackendWSURL == "" {
		cfg.BackendWSURL = deriveWSURL(cfg.BackendURL)
	}
	if cfg.GatherTimeout <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_GATHER_TIMEOUT must be positive")
	}
	if cfg.BreakerThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}
	if cfg.RetryAttempts <= 0 {
		return Config{}, fmt.Errorf("RETRY_ATTEMPTS must be positive")
	}
	if cfg.SessionMaxAge < time.Minute {
		return Config{}, fmt.Errorf("SESSION_MAX_AGE must be at least 1m")
	}

	return cfg, nil
}

// deriveWSURL maps the backend's HTTP base to its stream endpoint.
func deriveWSURL(backendURL string) string {
	ws := backendURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/stream"
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
