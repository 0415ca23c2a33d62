package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/config"
	"crabstack.local/projects/conversatrait/internal/dispatch"
	"crabstack.local/projects/conversatrait/internal/httpapi"
	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/pipeline"
	"crabstack.local/projects/conversatrait/internal/prompt"
	"crabstack.local/projects/conversatrait/internal/safety"
	"crabstack.local/projects/conversatrait/internal/session"
	"crabstack.local/projects/conversatrait/internal/subscribers"
	"crabstack.local/projects/conversatrait/internal/subscribers/discord"
	logging "crabstack.local/projects/conversatrait/internal/subscribers/logging"
	"crabstack.local/projects/conversatrait/internal/subscribers/webhook"
)

// app holds everything a command needs. Close releases it in dependency
// order: runs first, then notifications, then storage.
type app struct {
	cfg         config.Config
	logger      zerolog.Logger
	store       session.Store
	catalog     prompt.Catalog
	fileCatalog *prompt.FileCatalog
	registry    *model.Registry
	selector    *model.Selector
	openrouter  *model.OpenRouterProvider
	dispatcher  *dispatch.Dispatcher
	pipeline    *pipeline.Service
}

func newLogger(cfg config.Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFormat == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("component", "conversatrait").Logger(), nil
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, extra ...subscribers.Subscriber) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		selector: model.NewSelector(cfg.DefaultModel),
		registry: model.NewRegistry(),
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	builtin := prompt.BuiltinCatalog()
	a.catalog = builtin
	if cfg.TemplatesFile != "" {
		fileCatalog, err := prompt.NewFileCatalog(cfg.TemplatesFile, builtin, logger.With().Str("templates", cfg.TemplatesFile).Logger())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load templates: %w", err)
		}
		a.fileCatalog = fileCatalog
		a.catalog = fileCatalog
	}

	a.openrouter = model.NewOpenRouterProvider(cfg.OpenRouterAPIKey,
		model.WithOpenRouterEndpoint(cfg.OpenRouterEndpoint),
		model.WithOpenRouterModelsEndpoint(cfg.OpenRouterModelsEndpoint),
		model.WithAttribution(cfg.HTTPReferer, cfg.AppTitle),
	)
	a.registerProviders(ctx)

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger,
			webhook.WithSecret(cfg.WebhookSecret),
		))
	}
	if cfg.DiscordBotToken != "" {
		sender, err := discord.NewBotSender(cfg.DiscordBotToken)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		subs = append(subs, discord.New(sender, cfg.DiscordChannelID))
	}
	subs = append(subs, extra...)
	a.dispatcher = dispatch.New(logger, subs)

	opts := []pipeline.Option{
		pipeline.WithSink(a.dispatcher),
		pipeline.WithQueueSize(cfg.QueueSize),
		pipeline.WithDefaultProvider(cfg.Provider),
	}
	for _, name := range a.registry.Names() {
		provider, _ := a.registry.Get(name)
		client := analyzer.New(provider, name, logger.With().Str("provider", name).Logger(),
			analyzer.WithRetryCount(cfg.RetryCount),
			analyzer.WithBackoff(cfg.RetryBackoff, analyzer.DefaultMaxBackoff),
			analyzer.WithTimeout(cfg.RequestTimeout),
			analyzer.WithSampling(cfg.MaxTokens, cfg.Temperature),
		)
		opts = append(opts, pipeline.WithAnalyzer(name, client))
	}
	a.pipeline = pipeline.NewService(logger, store, safety.NewGate(), prompt.NewBuilder(a.catalog), a.selector, opts...)
	return a, nil
}

// registerProviders adds a provider for every configured key. A provider
// without a key is left out so submissions report it as unavailable.
func (a *app) registerProviders(ctx context.Context) {
	a.registry.RegisterFactory(config.ProviderOpenRouter, func(string) model.Provider {
		return a.openrouter
	})
	a.registry.RegisterFactory(config.ProviderGemini, func(apiKey string) model.Provider {
		provider, err := model.NewGeminiProvider(ctx, apiKey)
		if err != nil {
			a.logger.Error().Err(err).Msg("gemini provider unavailable")
			return nil
		}
		return provider
	})

	keys := map[string]string{
		config.ProviderOpenRouter: a.cfg.OpenRouterAPIKey,
		config.ProviderGemini:     a.cfg.GeminiAPIKey,
	}
	for name, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if provider, ok := a.registry.New(name, key); ok {
			a.registry.Register(name, provider)
		}
	}
	names := a.registry.Names()
	if len(names) == 0 {
		a.logger.Warn().Msg("no completion provider configured; analyses will be rejected")
		return
	}
	if _, ok := a.registry.Get(a.cfg.Provider); !ok {
		a.logger.Warn().Str("provider", a.cfg.Provider).Strs("available", names).Msg("configured provider has no key; using another")
	}
}

func (a *app) runtimeInfo() httpapi.RuntimeInfo {
	return httpapi.RuntimeInfo{
		Provider:      a.cfg.Provider,
		DefaultModel:  a.selector.Default(),
		KeyConfigured: strings.TrimSpace(a.cfg.OpenRouterAPIKey) != "",
		AnalysisTypes: a.catalog.Types(),
	}
}

func (a *app) Close() {
	a.pipeline.Close()
	a.dispatcher.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("store close error")
	}
}

func openStore(cfg config.Config) (session.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite, config.StorePostgres:
		store, err := session.NewGormStore(cfg.StoreDriver, cfg.StoreDSNOrDefault())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return session.NewMemoryStore(), nil
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
