package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/conversatrait/internal/config"
	"crabstack.local/projects/conversatrait/internal/events"
	"crabstack.local/projects/conversatrait/internal/httpapi"
	"crabstack.local/projects/conversatrait/internal/session"
	"crabstack.local/projects/conversatrait/internal/subscribers/wshub"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "conversatrait",
	Short:         "Personality analysis of conversations through an LLM",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			return os.Setenv(config.EnvConfigFile, configFile)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: .conversatrait/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd, newAnalyzeCmd(), newParseCmd(), newModelsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadRuntime reads and validates config and builds the logger for a command.
func loadRuntime(logOut io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if cfg.Source != "" {
		logger.Info().Str("path", cfg.Source).Msg("config file loaded")
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var a *app
	hub := wshub.New(logger, wshub.WithSnapshot(func(ctx context.Context, id string) (events.Event, bool) {
		return a.pipeline.Snapshot(ctx, id)
	}))
	a, err = newApp(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()
	defer hub.Close()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, a.pipeline,
		httpapi.WithModelCatalog(a.openrouter, a.selector),
		httpapi.WithWebSocket(hub),
		httpapi.WithRuntimeInfo(a.runtimeInfo),
	)
	sweeper := session.NewSweeper(a.store, cfg.SessionTTL, cfg.SweepInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("provider", cfg.Provider).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if a.fileCatalog != nil {
		g.Go(func() error {
			return a.fileCatalog.Watch(gctx)
		})
	}

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}
