// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides. Precedence: defaults < file < environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "1.5s"-style strings in
// both YAML and environment variables.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// UnmarshalText implements encoding.TextUnmarshaler (used by env).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

type LogConfig struct {
	Format string `yaml:"format" env:"CONCIERGE_LOG_FORMAT"`
	Level  string `yaml:"level" env:"CONCIERGE_LOG_LEVEL"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" env:"CONCIERGE_TELEGRAM_ENABLED"`
	Token   string `yaml:"token" env:"CONCIERGE_TELEGRAM_TOKEN"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled" env:"CONCIERGE_SLACK_ENABLED"`
	BotToken string `yaml:"bot_token" env:"CONCIERGE_SLACK_BOT_TOKEN"`
	AppToken string `yaml:"app_token" env:"CONCIERGE_SLACK_APP_TOKEN"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled" env:"CONCIERGE_DISCORD_ENABLED"`
	Token   string `yaml:"token" env:"CONCIERGE_DISCORD_TOKEN"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled" env:"CONCIERGE_WEB_ENABLED"`
	Listen  string `yaml:"listen" env:"CONCIERGE_WEB_LISTEN"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled" env:"CONCIERGE_CLI_ENABLED"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Web      WebConfig      `yaml:"web"`
	CLI      CLIConfig      `yaml:"cli"`
}

type LLMConfig struct {
	Provider string   `yaml:"provider" env:"CONCIERGE_LLM_PROVIDER"` // openai | anthropic
	Model    string   `yaml:"model" env:"CONCIERGE_LLM_MODEL"`
	APIKey   string   `yaml:"api_key" env:"CONCIERGE_LLM_API_KEY"`
	APIBase  string   `yaml:"api_base" env:"CONCIERGE_LLM_API_BASE"`
	Timeout  Duration `yaml:"timeout" env:"CONCIERGE_LLM_TIMEOUT"`
}

type BookingConfig struct {
	BaseURL string   `yaml:"base_url" env:"CONCIERGE_BOOKING_BASE_URL"`
	APIKey  string   `yaml:"api_key" env:"CONCIERGE_BOOKING_API_KEY"`
	Timeout Duration `yaml:"timeout" env:"CONCIERGE_BOOKING_TIMEOUT"`
}

type StoreConfig struct {
	ProfileDSN   string   `yaml:"profile_dsn" env:"CONCIERGE_PROFILE_DSN"`
	CallTimeout  Duration `yaml:"call_timeout" env:"CONCIERGE_STORE_CALL_TIMEOUT"`
	EphemeralTTL Duration `yaml:"ephemeral_ttl" env:"CONCIERGE_EPHEMERAL_TTL"`
	DialogTTL    Duration `yaml:"dialog_ttl" env:"CONCIERGE_DIALOG_TTL"`
	SelectionTTL Duration `yaml:"selection_ttl" env:"CONCIERGE_SELECTION_TTL"`
	DialogWindow int      `yaml:"dialog_window" env:"CONCIERGE_DIALOG_WINDOW"`
}

type BatchConfig struct {
	QuietPeriod Duration `yaml:"quiet_period" env:"CONCIERGE_BATCH_QUIET_PERIOD"`
	MaxWait     Duration `yaml:"max_wait" env:"CONCIERGE_BATCH_MAX_WAIT"`
	QueueDepth  int      `yaml:"queue_depth" env:"CONCIERGE_BATCH_QUEUE_DEPTH"`
}

type ResilienceConfig struct {
	MaxAttempts      int      `yaml:"max_attempts" env:"CONCIERGE_RETRY_MAX_ATTEMPTS"`
	BaseDelay        Duration `yaml:"base_delay" env:"CONCIERGE_RETRY_BASE_DELAY"`
	MaxDelay         Duration `yaml:"max_delay" env:"CONCIERGE_RETRY_MAX_DELAY"`
	FailureThreshold int      `yaml:"failure_threshold" env:"CONCIERGE_CIRCUIT_THRESHOLD"`
	CoolDown         Duration `yaml:"cool_down" env:"CONCIERGE_CIRCUIT_COOL_DOWN"`
}

type TurnConfig struct {
	Timeout Duration `yaml:"timeout" env:"CONCIERGE_TURN_TIMEOUT"`
}

type SchedulerConfig struct {
	Enabled   bool     `yaml:"enabled" env:"CONCIERGE_REMINDERS_ENABLED"`
	Cron      string   `yaml:"cron" env:"CONCIERGE_REMINDERS_CRON"`
	Lookahead Duration `yaml:"lookahead" env:"CONCIERGE_REMINDERS_LOOKAHEAD"`
}

// Config is the root configuration for the concierge process.
type Config struct {
	Tenant     string           `yaml:"tenant" env:"CONCIERGE_TENANT"`
	Log        LogConfig        `yaml:"log"`
	Channels   ChannelsConfig   `yaml:"channels"`
	LLM        LLMConfig        `yaml:"llm"`
	Booking    BookingConfig    `yaml:"booking"`
	Store      StoreConfig      `yaml:"store"`
	Batch      BatchConfig      `yaml:"batch"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Turn       TurnConfig       `yaml:"turn"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// Default returns the built-in configuration baseline.
func Default() *Config {
	return &Config{
		Tenant: "default",
		Log:    LogConfig{Format: "text", Level: "info"},
		Channels: ChannelsConfig{
			Web: WebConfig{Listen: ":8087"},
		},
		LLM: LLMConfig{
			Provider: "openai",
			Timeout:  Duration(30 * time.Second),
		},
		Booking: BookingConfig{Timeout: Duration(10 * time.Second)},
		Store: StoreConfig{
			ProfileDSN:   "file:concierge.db?_busy_timeout=5000",
			CallTimeout:  Duration(300 * time.Millisecond),
			EphemeralTTL: Duration(10 * time.Minute),
			DialogTTL:    Duration(12 * time.Hour),
			SelectionTTL: Duration(30 * time.Minute),
			DialogWindow: 20,
		},
		Batch: BatchConfig{
			QuietPeriod: Duration(1500 * time.Millisecond),
			MaxWait:     Duration(10 * time.Second),
			QueueDepth:  8,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			BaseDelay:        Duration(200 * time.Millisecond),
			MaxDelay:         Duration(5 * time.Second),
			FailureThreshold: 3,
			CoolDown:         Duration(30 * time.Second),
		},
		Turn: TurnConfig{Timeout: Duration(60 * time.Second)},
		Scheduler: SchedulerConfig{
			Cron:      "*/15 * * * *",
			Lookahead: Duration(24 * time.Hour),
		},
	}
}

// Load reads the YAML file at path (missing file is not an error) and then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}
