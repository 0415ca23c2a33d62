package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvHTTPAddr                 = "CONVERSATRAIT_HTTP_ADDR"
	EnvLogLevel                 = "CONVERSATRAIT_LOG_LEVEL"
	EnvLogFormat                = "CONVERSATRAIT_LOG_FORMAT"
	EnvProvider                 = "CONVERSATRAIT_PROVIDER"
	EnvOpenRouterAPIKey         = "OPENROUTER_API_KEY"
	EnvOpenRouterEndpoint       = "CONVERSATRAIT_OPENROUTER_ENDPOINT"
	EnvOpenRouterModelsEndpoint = "CONVERSATRAIT_OPENROUTER_MODELS_ENDPOINT"
	EnvGeminiAPIKey             = "GEMINI_API_KEY"
	EnvDefaultModel             = "CONVERSATRAIT_DEFAULT_MODEL"
	EnvHTTPReferer              = "CONVERSATRAIT_HTTP_REFERER"
	EnvAppTitle                 = "CONVERSATRAIT_APP_TITLE"
	EnvRetryCount               = "CONVERSATRAIT_RETRY_COUNT"
	EnvRetryBackoff             = "CONVERSATRAIT_RETRY_BACKOFF"
	EnvRequestTimeout           = "CONVERSATRAIT_REQUEST_TIMEOUT"
	EnvMaxTokens                = "CONVERSATRAIT_MAX_TOKENS"
	EnvTemperature              = "CONVERSATRAIT_TEMPERATURE"
	EnvStoreDriver              = "CONVERSATRAIT_STORE_DRIVER"
	EnvStoreDSN                 = "CONVERSATRAIT_STORE_DSN"
	EnvSessionTTL               = "CONVERSATRAIT_SESSION_TTL"
	EnvSweepInterval            = "CONVERSATRAIT_SWEEP_INTERVAL"
	EnvQueueSize                = "CONVERSATRAIT_QUEUE_SIZE"
	EnvTemplatesFile            = "CONVERSATRAIT_TEMPLATES_FILE"
	EnvWebhookURLs              = "CONVERSATRAIT_WEBHOOK_URLS"
	EnvWebhookSecret            = "CONVERSATRAIT_WEBHOOK_SECRET"
	EnvDiscordBotToken          = "DISCORD_BOT_TOKEN"
	EnvDiscordChannelID         = "CONVERSATRAIT_DISCORD_CHANNEL_ID"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

const (
	DefaultHTTPAddr                 = ":5000"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = LogFormatJSON
	DefaultProvider                 = ProviderOpenRouter
	DefaultOpenRouterEndpoint       = "https://openrouter.ai/api/v1/chat/completions"
	DefaultOpenRouterModelsEndpoint = "https://openrouter.ai/api/v1/models"
	DefaultModel                    = "google/gemini-flash-1.5"
	DefaultHTTPReferer              = "http://localhost:5000"
	DefaultAppTitle                 = "Personality Analysis Tool"
	DefaultRetryCount               = 3
	DefaultRetryBackoff             = 500 * time.Millisecond
	DefaultRequestTimeout           = 60 * time.Second
	DefaultMaxTokens                = 4096
	DefaultTemperature              = 0.5
	DefaultStoreDriver              = StoreMemory
	DefaultSQLiteDSN                = "conversatrait.db"
	DefaultSessionTTL               = time.Hour
	DefaultSweepInterval            = time.Minute
	DefaultQueueSize                = 16
)

type Config struct {
	HTTPAddr                 string
	LogLevel                 string
	LogFormat                string
	Provider                 string
	OpenRouterAPIKey         string
	OpenRouterEndpoint       string
	OpenRouterModelsEndpoint string
	GeminiAPIKey             string
	DefaultModel             string
	HTTPReferer              string
	AppTitle                 string
	RetryCount               int
	RetryBackoff             time.Duration
	RequestTimeout           time.Duration
	MaxTokens                int
	Temperature              float64
	StoreDriver              string
	StoreDSN                 string
	SessionTTL               time.Duration
	SweepInterval            time.Duration
	QueueSize                int
	TemplatesFile            string
	WebhookURLs              []string
	WebhookSecret            string
	DiscordBotToken          string
	DiscordChannelID         string

	// Source is the YAML file that was applied, if any.
	Source string
}

// FromEnv skips the YAML file.
func FromEnv() Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return cfg
}

// Load applies defaults, the YAML file, then the environment.
func Load() (Config, error) {
	cfg := defaultConfig()

	fileCfg, path, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	cfg.Source = path
	applyEnv(&cfg)

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:                 DefaultHTTPAddr,
		LogLevel:                 DefaultLogLevel,
		LogFormat:                DefaultLogFormat,
		Provider:                 DefaultProvider,
		OpenRouterEndpoint:       DefaultOpenRouterEndpoint,
		OpenRouterModelsEndpoint: DefaultOpenRouterModelsEndpoint,
		DefaultModel:             DefaultModel,
		HTTPReferer:              DefaultHTTPReferer,
		AppTitle:                 DefaultAppTitle,
		RetryCount:               DefaultRetryCount,
		RetryBackoff:             DefaultRetryBackoff,
		RequestTimeout:           DefaultRequestTimeout,
		MaxTokens:                DefaultMaxTokens,
		Temperature:              DefaultTemperature,
		StoreDriver:              DefaultStoreDriver,
		SessionTTL:               DefaultSessionTTL,
		SweepInterval:            DefaultSweepInterval,
		QueueSize:                DefaultQueueSize,
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.LogLevel = strings.ToLower(EnvOrDefault(EnvLogLevel, cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(EnvOrDefault(EnvLogFormat, cfg.LogFormat))
	cfg.Provider = strings.ToLower(EnvOrDefault(EnvProvider, cfg.Provider))
	cfg.OpenRouterAPIKey = EnvOrDefault(EnvOpenRouterAPIKey, cfg.OpenRouterAPIKey)
	cfg.OpenRouterEndpoint = EnvOrDefault(EnvOpenRouterEndpoint, cfg.OpenRouterEndpoint)
	cfg.OpenRouterModelsEndpoint = EnvOrDefault(EnvOpenRouterModelsEndpoint, cfg.OpenRouterModelsEndpoint)
	cfg.GeminiAPIKey = EnvOrDefault(EnvGeminiAPIKey, cfg.GeminiAPIKey)
	cfg.DefaultModel = EnvOrDefault(EnvDefaultModel, cfg.DefaultModel)
	cfg.HTTPReferer = EnvOrDefault(EnvHTTPReferer, cfg.HTTPReferer)
	cfg.AppTitle = EnvOrDefault(EnvAppTitle, cfg.AppTitle)
	cfg.RetryCount = envInt(EnvRetryCount, cfg.RetryCount)
	cfg.RetryBackoff = envDuration(EnvRetryBackoff, cfg.RetryBackoff)
	cfg.RequestTimeout = envDuration(EnvRequestTimeout, cfg.RequestTimeout)
	cfg.MaxTokens = envInt(EnvMaxTokens, cfg.MaxTokens)
	cfg.Temperature = envFloat(EnvTemperature, cfg.Temperature)
	cfg.StoreDriver = strings.ToLower(EnvOrDefault(EnvStoreDriver, cfg.StoreDriver))
	cfg.StoreDSN = EnvOrDefault(EnvStoreDSN, cfg.StoreDSN)
	cfg.SessionTTL = envDuration(EnvSessionTTL, cfg.SessionTTL)
	cfg.SweepInterval = envDuration(EnvSweepInterval, cfg.SweepInterval)
	cfg.QueueSize = envInt(EnvQueueSize, cfg.QueueSize)
	cfg.TemplatesFile = ResolvePath(EnvOrDefault(EnvTemplatesFile, cfg.TemplatesFile))
	cfg.WebhookURLs = envList(EnvWebhookURLs, cfg.WebhookURLs)
	cfg.WebhookSecret = EnvOrDefault(EnvWebhookSecret, cfg.WebhookSecret)
	cfg.DiscordBotToken = EnvOrDefault(EnvDiscordBotToken, cfg.DiscordBotToken)
	cfg.DiscordChannelID = EnvOrDefault(EnvDiscordChannelID, cfg.DiscordChannelID)
}

// Validate checks shape only. A missing API key is allowed: the server
// still starts and reports the missing provider on submit.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("%s must be json or console", EnvLogFormat)
	}
	switch c.Provider {
	case ProviderOpenRouter, ProviderGemini:
	default:
		return fmt.Errorf("%s must be openrouter or gemini", EnvProvider)
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("%s must be memory, sqlite or postgres", EnvStoreDriver)
	}
	if c.StoreDriver == StorePostgres && strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("%s is required for postgres", EnvStoreDSN)
	}
	if c.RetryCount < 1 {
		return fmt.Errorf("%s must be >= 1", EnvRetryCount)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("%s must be > 0", EnvRetryBackoff)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvRequestTimeout)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%s must be > 0", EnvMaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%s must be between 0 and 2", EnvTemperature)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSessionTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSweepInterval)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvQueueSize)
	}
	if strings.TrimSpace(c.DiscordBotToken) != "" && strings.TrimSpace(c.DiscordChannelID) == "" {
		return fmt.Errorf("%s requires %s", EnvDiscordBotToken, EnvDiscordChannelID)
	}
	return nil
}

// APIKey returns the credential for the selected provider.
func (c Config) APIKey() string {
	if c.Provider == ProviderGemini {
		return c.GeminiAPIKey
	}
	return c.OpenRouterAPIKey
}

// StoreDSNOrDefault fills in the sqlite file name when no DSN is set.
func (c Config) StoreDSNOrDefault() string {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn
	}
	if c.StoreDriver == StoreSQLite {
		return DefaultSQLiteDSN
	}
	return ""
}
