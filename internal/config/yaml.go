package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CONVERSATRAIT_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	HTTPAddr                 string   `yaml:"http_addr"`
	LogLevel                 string   `yaml:"log_level"`
	LogFormat                string   `yaml:"log_format"`
	Provider                 string   `yaml:"provider"`
	OpenRouterAPIKey         string   `yaml:"openrouter_api_key"`
	OpenRouterEndpoint       string   `yaml:"openrouter_endpoint"`
	OpenRouterModelsEndpoint string   `yaml:"openrouter_models_endpoint"`
	GeminiAPIKey             string   `yaml:"gemini_api_key"`
	DefaultModel             string   `yaml:"default_model"`
	HTTPReferer              string   `yaml:"http_referer"`
	AppTitle                 string   `yaml:"app_title"`
	RetryCount               *int     `yaml:"retry_count"`
	RetryBackoff             string   `yaml:"retry_backoff"`
	RequestTimeout           string   `yaml:"request_timeout"`
	MaxTokens                *int     `yaml:"max_tokens"`
	Temperature              *float64 `yaml:"temperature"`
	StoreDriver              string   `yaml:"store_driver"`
	StoreDSN                 string   `yaml:"store_dsn"`
	SessionTTL               string   `yaml:"session_ttl"`
	SweepInterval            string   `yaml:"sweep_interval"`
	QueueSize                *int     `yaml:"queue_size"`
	TemplatesFile            string   `yaml:"templates_file"`
	WebhookURLs              []string `yaml:"webhook_urls"`
	WebhookSecret            string   `yaml:"webhook_secret"`
	DiscordBotToken          string   `yaml:"discord_bot_token"`
	DiscordChannelID         string   `yaml:"discord_channel_id"`
}

func loadFileConfig() (fileConfig, string, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, "", err
	}
	if !ok {
		return fileConfig{}, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, "", fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, "", fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, path, nil
}

// resolveConfigFilePath checks the explicit env path, then ./.conversatrait,
// then ~/.conversatrait.
func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(appDirName, defaultConfigFileName),
		filepath.Join(appDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil && strings.TrimSpace(homeDir) != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, appDirName, defaultConfigFileName),
			filepath.Join(homeDir, appDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyYAML(cfg *Config, source fileConfig) error {
	setString(&cfg.HTTPAddr, source.HTTPAddr)
	setString(&cfg.LogLevel, strings.ToLower(source.LogLevel))
	setString(&cfg.LogFormat, strings.ToLower(source.LogFormat))
	setString(&cfg.Provider, strings.ToLower(source.Provider))
	setString(&cfg.OpenRouterAPIKey, source.OpenRouterAPIKey)
	setString(&cfg.OpenRouterEndpoint, source.OpenRouterEndpoint)
	setString(&cfg.OpenRouterModelsEndpoint, source.OpenRouterModelsEndpoint)
	setString(&cfg.GeminiAPIKey, source.GeminiAPIKey)
	setString(&cfg.DefaultModel, source.DefaultModel)
	setString(&cfg.HTTPReferer, source.HTTPReferer)
	setString(&cfg.AppTitle, source.AppTitle)
	setString(&cfg.StoreDriver, strings.ToLower(source.StoreDriver))
	setString(&cfg.StoreDSN, source.StoreDSN)
	setString(&cfg.WebhookSecret, source.WebhookSecret)
	setString(&cfg.DiscordBotToken, source.DiscordBotToken)
	setString(&cfg.DiscordChannelID, source.DiscordChannelID)
	if value := strings.TrimSpace(source.TemplatesFile); value != "" {
		cfg.TemplatesFile = ResolvePath(value)
	}
	if len(source.WebhookURLs) > 0 {
		cfg.WebhookURLs = splitList(source.WebhookURLs)
	}

	if source.RetryCount != nil {
		cfg.RetryCount = *source.RetryCount
	}
	if source.MaxTokens != nil {
		cfg.MaxTokens = *source.MaxTokens
	}
	if source.Temperature != nil {
		cfg.Temperature = *source.Temperature
	}
	if source.QueueSize != nil {
		cfg.QueueSize = *source.QueueSize
	}

	durations := []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{source.RetryBackoff, "retry_backoff", &cfg.RetryBackoff},
		{source.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
		{source.SessionTTL, "session_ttl", &cfg.SessionTTL},
		{source.SweepInterval, "sweep_interval", &cfg.SweepInterval},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.raw, *d.dst, d.field)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}
