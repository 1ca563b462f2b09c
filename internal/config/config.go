package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding an optional YAML config path.
const FileEnv = "ESPADAS_CONFIG"

type Config struct {
	Port        int
	NatsURL     string
	DatabaseURL string
	LogLevel    string

	BatchFlushInterval  time.Duration
	BatchFlushThreshold int
	BufferMaxSize       int

	SlackBotToken     string
	SlackAlertChannel string

	AssistantID          string
	VapiAPIURL           string
	VapiAPIKey           string
	BridgeRequestTimeout time.Duration

	SettlingDelay time.Duration
	AutoIdleDelay time.Duration
	ProbeDelay    time.Duration
	ProbeTimeout  time.Duration

	// SessionRetention is how long a finished session stays queryable.
	SessionRetention time.Duration

	GeminiURL    string
	GeminiAPIKey string
	GeminiModel  string

	EmotionURL        string
	ClassifierTimeout time.Duration

	JWTSecret string

	SaveNotFoundRetries int
	SaveRetryDelay      time.Duration
}

// fileConfig is the YAML layout. Zero values leave defaults in place.
type fileConfig struct {
	Port        int    `yaml:"port"`
	NatsURL     string `yaml:"nats_url"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	Batch       struct {
		FlushIntervalMs int `yaml:"flush_interval_ms"`
		FlushThreshold  int `yaml:"flush_threshold"`
		BufferMaxSize   int `yaml:"buffer_max_size"`
	} `yaml:"batch"`
	Slack struct {
		BotToken     string `yaml:"bot_token"`
		AlertChannel string `yaml:"alert_channel"`
	} `yaml:"slack"`
	Voice struct {
		AssistantID            string `yaml:"assistant_id"`
		APIURL                 string `yaml:"api_url"`
		APIKey                 string `yaml:"api_key"`
		BridgeRequestTimeoutMs int    `yaml:"bridge_request_timeout_ms"`
	} `yaml:"voice"`
	Session struct {
		SettlingDelayMs int `yaml:"settling_delay_ms"`
		AutoIdleDelayMs int `yaml:"auto_idle_delay_ms"`
		ProbeDelayMs    int `yaml:"probe_delay_ms"`
		ProbeTimeoutMs  int `yaml:"probe_timeout_ms"`
		RetentionMs     int `yaml:"retention_ms"`
	} `yaml:"session"`
	GenAI struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"genai"`
	Affect struct {
		EmotionURL string `yaml:"emotion_url"`
		TimeoutMs  int    `yaml:"timeout_ms"`
	} `yaml:"affect"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Save struct {
		NotFoundRetries int `yaml:"not_found_retries"`
		RetryDelayMs    int `yaml:"retry_delay_ms"`
	} `yaml:"save"`
}

// Load builds the configuration from defaults, then the YAML file named by
// ESPADAS_CONFIG if set, then environment variables.
func Load() (Config, error) {
	var f fileConfig
	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	return Config{
		Port:        envInt("ESPADAS_PORT", orInt(f.Port, 8800)),
		NatsURL:     envStr("NATS_URL", orStr(f.NatsURL, "nats://localhost:4222")),
		DatabaseURL: envStr("DATABASE_URL", f.DatabaseURL),
		LogLevel:    envStr("LOG_LEVEL", orStr(f.LogLevel, "info")),

		BatchFlushInterval:  envMs("BATCH_FLUSH_INTERVAL_MS", orInt(f.Batch.FlushIntervalMs, 5000)),
		BatchFlushThreshold: envInt("BATCH_FLUSH_THRESHOLD", orInt(f.Batch.FlushThreshold, 100)),
		BufferMaxSize:       envInt("BUFFER_MAX_SIZE", orInt(f.Batch.BufferMaxSize, 10000)),

		SlackBotToken:     envStr("SLACK_BOT_TOKEN", f.Slack.BotToken),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", f.Slack.AlertChannel),

		AssistantID:          envStr("VAPI_ASSISTANT_ID", f.Voice.AssistantID),
		VapiAPIURL:           envStr("VAPI_API_URL", orStr(f.Voice.APIURL, "https://api.vapi.ai")),
		VapiAPIKey:           envStr("VAPI_API_KEY", f.Voice.APIKey),
		BridgeRequestTimeout: envMs("BRIDGE_REQUEST_TIMEOUT_MS", orInt(f.Voice.BridgeRequestTimeoutMs, 5000)),

		SettlingDelay: envMs("SETTLING_DELAY_MS", orInt(f.Session.SettlingDelayMs, 3000)),
		AutoIdleDelay: envMs("AUTO_IDLE_DELAY_MS", orInt(f.Session.AutoIdleDelayMs, 2000)),
		ProbeDelay:    envMs("PROBE_DELAY_MS", orInt(f.Session.ProbeDelayMs, 1000)),
		ProbeTimeout:  envMs("PROBE_TIMEOUT_MS", orInt(f.Session.ProbeTimeoutMs, 2000)),

		SessionRetention: envMs("SESSION_RETENTION_MS", orInt(f.Session.RetentionMs, 600000)),

		GeminiURL:    envStr("GEMINI_URL", orStr(f.GenAI.URL, "https://generativelanguage.googleapis.com")),
		GeminiAPIKey: envStr("GOOGLE_AI_API_KEY", f.GenAI.APIKey),
		GeminiModel:  envStr("GEMINI_MODEL", orStr(f.GenAI.Model, "gemini-2.5-flash")),

		EmotionURL:        envStr("EMOTION_URL", f.Affect.EmotionURL),
		ClassifierTimeout: envMs("CLASSIFIER_TIMEOUT_MS", orInt(f.Affect.TimeoutMs, 1500)),

		JWTSecret: envStr("JWT_SECRET", f.Auth.JWTSecret),

		SaveNotFoundRetries: envInt("SAVE_NOT_FOUND_RETRIES", orInt(f.Save.NotFoundRetries, 3)),
		SaveRetryDelay:      envMs("SAVE_RETRY_DELAY_MS", orInt(f.Save.RetryDelayMs, 2000)),
	}, nil
}

func orStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMs(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}
