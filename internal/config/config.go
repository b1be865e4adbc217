package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for poetbot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Slack     SlackConfig               `json:"slack"`
	Server    ServerConfig              `json:"server"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Queue     QueueConfig               `json:"queue"`
	Dedup     DedupConfig               `json:"dedup"`
	Persona   PersonaConfig             `json:"persona"`
	Providers map[string]ProviderConfig `json:"providers"`
}

type GeneralConfig struct {
	LogLevel        string   `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat       string   `json:"logFormat" env:"LOG_FORMAT"` // "text" | "json"
	DefaultProvider string   `json:"defaultProvider" env:"POETBOT_PROVIDER"`
	FailoverChain   []string `json:"failoverChain,omitempty" env:"POETBOT_FAILOVER" envSeparator:","`
}

type SlackConfig struct {
	SigningSecret       string `json:"signingSecret" env:"SLACK_SIGNING_SECRET"`
	BotToken            string `json:"botToken" env:"SLACK_BOT_TOKEN"`
	BotUserID           string `json:"botUserId,omitempty" env:"SLACK_BOT_USER_ID"` // own user id, replies from it are ignored
	APIURL              string `json:"apiUrl" env:"SLACK_API_URL"`
	ReplayWindowSeconds int    `json:"replayWindowSeconds"`
}

type ServerConfig struct {
	Host        string `json:"host" env:"HOST"`
	Port        int    `json:"port" env:"PORT"`
	EventsPath  string `json:"eventsPath"`
	ProcessPath string `json:"processPath"`
	MetricsPath string `json:"metricsPath"`
	Metrics     bool   `json:"metrics" env:"METRICS_ENABLED"`
}

type DispatchConfig struct {
	Mode              string `json:"mode" env:"DISPATCH_MODE"` // "queue" | "inline"
	TimeoutMs         int    `json:"timeoutMs" env:"DISPATCH_TIMEOUT_MS"`
	JobTimeoutSeconds int    `json:"jobTimeoutSeconds"`
}

type QueueConfig struct {
	Driver   string           `json:"driver" env:"QUEUE_DRIVER"` // "http" | "rabbitmq" | "local"
	HTTP     HTTPQueueConfig  `json:"http"`
	RabbitMQ RabbitMQConfig   `json:"rabbitmq"`
	Local    LocalQueueConfig `json:"local"`
}

// HTTPQueueConfig targets a QStash-style publish API that calls the process
// endpoint back.
type HTTPQueueConfig struct {
	PublishURL      string `json:"publishUrl" env:"QSTASH_URL"`
	Token           string `json:"token" env:"QSTASH_TOKEN"`
	CallbackBaseURL string `json:"callbackBaseUrl" env:"CALLBACK_BASE_URL"`
	CallbackToken   string `json:"callbackToken" env:"PROCESS_TOKEN"`
	Retries         int    `json:"retries"`
}

type RabbitMQConfig struct {
	URL               string `json:"url" env:"RABBITMQ_URL"`
	Exchange          string `json:"exchange"`
	Queue             string `json:"queue"`
	RoutingKey        string `json:"routingKey"`
	RetryDelaySeconds int    `json:"retryDelaySeconds"`
	MaxAttempts       int    `json:"maxAttempts"`
	Prefetch          int    `json:"prefetch"`
	Workers           int    `json:"workers"`
	DialAttempts      int    `json:"dialAttempts"`
}

type LocalQueueConfig struct {
	Workers     int `json:"workers"`
	BufferSize  int `json:"bufferSize"`
	MaxAttempts int `json:"maxAttempts"`
}

type DedupConfig struct {
	Driver         string `json:"driver" env:"DEDUP_DRIVER"` // "memory" | "sqlite" | "postgres"
	DBPath         string `json:"dbPath" env:"DEDUP_DB_PATH"`
	DSN            string `json:"dsn,omitempty" env:"DATABASE_URL"`
	RetentionHours int    `json:"retentionHours"`
	PruneSchedule  string `json:"pruneSchedule"`
}

type PersonaConfig struct {
	File string `json:"file,omitempty" env:"PERSONA_FILE"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	APIKeyEnv    string `json:"apiKeyEnv,omitempty"` // read APIKey from this variable when empty
	DefaultModel string `json:"defaultModel,omitempty"`
	MaxTokens    int    `json:"maxTokens,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.poetbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".poetbot"
	}
	return filepath.Join(home, ".poetbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load builds the config from defaults, an optional JSON file and the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	applyProviderKeys(cfg)

	cfg.Dedup.DBPath = ExpandPath(cfg.Dedup.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyProviderKeys(cfg *Config) {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" && pc.APIKeyEnv != "" {
			pc.APIKey = os.Getenv(pc.APIKeyEnv)
			cfg.Providers[name] = pc
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Missing Slack credentials
// are not an error here: the webhook reports them per request.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Slack.ReplayWindowSeconds < 1 {
		errs = append(errs, "slack.replayWindowSeconds must be >= 1")
	}
	if _, err := url.Parse(cfg.Slack.APIURL); err != nil || !strings.HasSuffix(cfg.Slack.APIURL, "/") {
		errs = append(errs, "slack.apiUrl must be a URL ending in /")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	for name, p := range map[string]string{
		"server.eventsPath":  cfg.Server.EventsPath,
		"server.processPath": cfg.Server.ProcessPath,
		"server.metricsPath": cfg.Server.MetricsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, name+" must start with /")
		}
	}

	switch cfg.Dispatch.Mode {
	case "queue", "inline":
	default:
		errs = append(errs, "dispatch.mode must be one of: queue, inline")
	}
	if cfg.Dispatch.TimeoutMs < 100 {
		errs = append(errs, "dispatch.timeoutMs must be >= 100")
	}
	if cfg.Dispatch.JobTimeoutSeconds < 1 {
		errs = append(errs, "dispatch.jobTimeoutSeconds must be >= 1")
	}

	switch cfg.Queue.Driver {
	case "http":
		if cfg.Dispatch.Mode == "queue" {
			if cfg.Queue.HTTP.CallbackBaseURL == "" {
				errs = append(errs, "queue.http.callbackBaseUrl is required for the http driver")
			}
			if cfg.Queue.HTTP.CallbackToken == "" {
				errs = append(errs, "queue.http.callbackToken (PROCESS_TOKEN) is required for the http driver")
			}
		}
	case "rabbitmq":
		if cfg.Queue.RabbitMQ.MaxAttempts < 1 {
			errs = append(errs, "queue.rabbitmq.maxAttempts must be >= 1")
		}
		if cfg.Queue.RabbitMQ.Workers < 1 {
			errs = append(errs, "queue.rabbitmq.workers must be >= 1")
		}
	case "local":
		if cfg.Queue.Local.Workers < 1 || cfg.Queue.Local.Workers > 100 {
			errs = append(errs, "queue.local.workers must be between 1 and 100")
		}
		if cfg.Queue.Local.MaxAttempts < 1 {
			errs = append(errs, "queue.local.maxAttempts must be >= 1")
		}
	default:
		errs = append(errs, "queue.driver must be one of: http, rabbitmq, local")
	}

	switch cfg.Dedup.Driver {
	case "memory":
	case "sqlite":
		if cfg.Dedup.DBPath == "" {
			errs = append(errs, "dedup.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Dedup.DSN == "" {
			errs = append(errs, "dedup.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "dedup.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Dedup.RetentionHours < 1 {
		errs = append(errs, "dedup.retentionHours must be >= 1")
	}
	if cfg.Dedup.PruneSchedule != "" && !gronx.New().IsValid(cfg.Dedup.PruneSchedule) {
		errs = append(errs, fmt.Sprintf("dedup.pruneSchedule is not a valid cron expression: %s", cfg.Dedup.PruneSchedule))
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
