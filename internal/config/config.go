package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SpeechRegion          string
	SpeechKey             string
	SpeechEngine          string
	STTLanguage           string
	EnableTokenAuth       bool
	EnableVAD             bool
	DefaultTTSVoice       string
	RepeatAfterReconnect  bool
	ReleaseGrace          time.Duration
	DisconnectGrace       time.Duration
	SpeechTokenRefresh    time.Duration
	RelayCredentialExpiry time.Duration

	ICEServerURL       string
	ICEServerURLRemote string
	ICEServerUsername  string
	ICEServerPassword  string
	RelaySharedSecret  string

	OpenAIEndpoint   string
	OpenAIAPIKey     string
	OpenAIDeployment string
	ChatMode         string

	SearchEndpoint  string
	SearchAPIKey    string
	SearchIndexName string

	EnableQuickReply bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avatarlink"),
		AllowAnyOrigin:   false,

		SpeechRegion: envTrimmed("SPEECH_REGION"),
		SpeechKey:    envTrimmed("SPEECH_KEY"),
		SpeechEngine: envOrDefault("SPEECH_ENGINE", "auto"),
		STTLanguage:  envOrDefault("STT_LANGUAGE", "ko-KR"),

		DefaultTTSVoice:      envOrDefault("DEFAULT_TTS_VOICE", "en-US-JennyMultilingualV2Neural"),
		RepeatAfterReconnect: true,

		ICEServerURL:       envTrimmed("ICE_SERVER_URL"),
		ICEServerURLRemote: envTrimmed("ICE_SERVER_URL_REMOTE"),
		ICEServerUsername:  envTrimmed("ICE_SERVER_USERNAME"),
		ICEServerPassword:  envTrimmed("ICE_SERVER_PASSWORD"),
		RelaySharedSecret:  envTrimmed("RELAY_SHARED_SECRET"),

		OpenAIEndpoint:   envTrimmed("AZURE_OPENAI_ENDPOINT"),
		OpenAIAPIKey:     envTrimmed("AZURE_OPENAI_API_KEY"),
		OpenAIDeployment: envTrimmed("AZURE_OPENAI_DEPLOYMENT_NAME"),
		ChatMode:         envOrDefault("CHAT_MODE", "auto"),

		SearchEndpoint:  envTrimmed("COGNITIVE_SEARCH_ENDPOINT"),
		SearchAPIKey:    envTrimmed("COGNITIVE_SEARCH_API_KEY"),
		SearchIndexName: envTrimmed("COGNITIVE_SEARCH_INDEX_NAME"),

		DatabaseURL: envTrimmed("DATABASE_URL"),

		ShutdownTimeout: 15 * time.Second,
		// Absorb quick page-reload races before the record disappears.
		ReleaseGrace:    2 * time.Second,
		DisconnectGrace: 2 * time.Second,
		// Speech tokens expire after 10 minutes upstream; refresh one minute early.
		SpeechTokenRefresh:    9 * time.Minute,
		RelayCredentialExpiry: 24 * time.Hour,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReleaseGrace, err = durationFromEnv("APP_RELEASE_GRACE", cfg.ReleaseGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.DisconnectGrace, err = durationFromEnv("APP_DISCONNECT_GRACE", cfg.DisconnectGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechTokenRefresh, err = durationFromEnv("SPEECH_TOKEN_REFRESH", cfg.SpeechTokenRefresh)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableTokenAuth, err = boolFromEnv("ENABLE_TOKEN_AUTH_FOR_SPEECH", cfg.EnableTokenAuth)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableVAD, err = boolFromEnv("ENABLE_VAD", cfg.EnableVAD)
	if err != nil {
		return Config{}, err
	}
	cfg.RepeatAfterReconnect, err = boolFromEnv("REPEAT_SPEAKING_SENTENCE_AFTER_RECONNECTION", cfg.RepeatAfterReconnect)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableQuickReply, err = boolFromEnv("ENABLE_QUICK_REPLY", cfg.EnableQuickReply)
	if err != nil {
		return Config{}, err
	}

	if cfg.SpeechTokenRefresh < time.Second {
		return Config{}, fmt.Errorf("SPEECH_TOKEN_REFRESH must be at least 1s")
	}
	if cfg.ReleaseGrace < 0 {
		return Config{}, fmt.Errorf("APP_RELEASE_GRACE must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.SpeechEngine)) {
	case "", "auto", "wire", "mock":
	default:
		return Config{}, fmt.Errorf("invalid SPEECH_ENGINE: %q (expected auto|wire|mock)", cfg.SpeechEngine)
	}

	return cfg, nil
}

// ValidateSpeech checks the settings only the wire speech engine needs. The
// mock engine runs without any of them.
func (c Config) ValidateSpeech() error {
	missing := make([]string, 0, 2)
	if c.SpeechRegion == "" {
		missing = append(missing, "SPEECH_REGION")
	}
	if c.SpeechKey == "" {
		missing = append(missing, "SPEECH_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
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
