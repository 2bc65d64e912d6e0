package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultCredentialEnv = "OPENAI_KEY"

// Config contains all runtime settings for the realtime session manager.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	RealtimeURL   string
	RealtimeModel string
	APIBaseURL    string
	CredentialEnv string

	SampleRate      int
	SilenceDuration time.Duration
	OutboundQueue   int
	AudioQueue      int
	WriteTimeout    time.Duration

	RedisURL      string
	RedisPassword string
	RegistryTTL   time.Duration
}

// Load reads a .env file when present, then environment variables, and
// applies defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "realtalk"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		RealtimeURL:      envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		APIBaseURL:       envOrDefault("REALTIME_API_BASE", "https://api.openai.com"),
		CredentialEnv:    envOrDefault("OPENAI_KEY_ENV", DefaultCredentialEnv),
		RedisURL:         trimmedEnv("REDIS_URL"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		ShutdownTimeout:  10 * time.Second,
		SampleRate:       24000,
		SilenceDuration:  time.Second,
		OutboundQueue:    1024,
		AudioQueue:       512,
		WriteTimeout:     10 * time.Second,
		RegistryTTL:      10 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("REALTIME_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceDuration, err = durationFromEnv("REALTIME_SILENCE", cfg.SilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueue, err = intFromEnv("REALTIME_OUTBOUND_QUEUE", cfg.OutboundQueue)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioQueue, err = intFromEnv("REALTIME_AUDIO_QUEUE", cfg.AudioQueue)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("REALTIME_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryTTL, err = durationFromEnv("SESSION_REGISTRY_TTL", cfg.RegistryTTL)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("REALTIME_SAMPLE_RATE must be positive")
	}
	// zero would fall back to the codec default
	if cfg.SilenceDuration <= 0 {
		return Config{}, fmt.Errorf("REALTIME_SILENCE must be positive")
	}
	if cfg.OutboundQueue <= 0 {
		return Config{}, fmt.Errorf("REALTIME_OUTBOUND_QUEUE must be positive")
	}
	if cfg.AudioQueue <= 0 {
		return Config{}, fmt.Errorf("REALTIME_AUDIO_QUEUE must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_WRITE_TIMEOUT must be positive")
	}
	if cfg.RegistryTTL < time.Second {
		return Config{}, fmt.Errorf("SESSION_REGISTRY_TTL must be at least 1s")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return cfg, nil
}

// Credential returns a reference to the API key variable named by
// OPENAI_KEY_ENV, resolved through lookup.
func (c Config) Credential(lookup func(string) (string, bool)) Credential {
	return Credential{Env: c.CredentialEnv, Lookup: lookup}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
