package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/chambrid/proxy-profiles/pkg/config"
	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/logging"
	"github.com/chambrid/proxy-profiles/pkg/metrics"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/ratelimit"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/state"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// Execute starts the API server CLI
func Execute(info BuildInfo) error {
	return NewRootCommand(info).Execute()
}

// NewRootCommand builds the api-server command tree
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "api-server",
		Short: "Proxy Profiles API Server",
		Long: `Proxy Profiles API Server - RESTful API for the ordered proxy profile store.

Exposes every store operation over HTTP: list, add, rename, remove, payload
replacement, moves and multi-row reorders, background imports from URLs or
files, current profile selection and the core log level.

Configuration:
  Set configuration via environment variables, .env files or command-line flags:
    PROFILES_DIR=~/.proxy-profiles (store directory)
    API_PORT=8080 (server port)
    API_HOST=127.0.0.1 (server host)
    LOG_LEVEL=info (server log level)

API Endpoints:
  GET  /api/v1/health - Health check
  GET  /api/v1/docs - API documentation
  GET  /api/v1/profiles - Ordered profile list
  POST /api/v1/profiles/reorder - Drag-and-drop reorder
  GET  /metrics - Prometheus metrics

Getting Started:
  api-server serve --port=8080`,
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(info))
	return root
}

func newServeCommand(info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the API server to handle REST requests for the profile store.

Examples:
  # Start server on default port 8080
  api-server serve

  # Start server on custom port
  api-server serve --port=9090

  # Use a different store directory
  api-server serve --dir=/var/lib/proxy-profiles

  # Development mode with verbose logging
  api-server serve --log-level=debug --enable-cors`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, info)
		},
	}

	cmd.Flags().Int("port", config.DefaultAPIPort, "Server port")
	cmd.Flags().String("host", config.DefaultAPIHost, "Server host")
	cmd.Flags().StringP("dir", "d", "", "Profile store directory")
	cmd.Flags().String("state-format", "", "State file format (yaml or json)")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (text or json)")
	cmd.Flags().Bool("enable-cors", false, "Enable CORS")
	cmd.Flags().StringSlice("allowed-origins", []string{"*"}, "Allowed CORS origins")
	cmd.Flags().StringArray("env-file", nil, "Additional .env file to load (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, info BuildInfo) error {
	appConfig, err := loadAppConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	serverConfig, err := loadServerConfig(cmd, appConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(logging.Options{Level: appConfig.LogLevel, Format: appConfig.LogFormat})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	store, imp, err := openStore(appConfig, log, recorder)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	unsubscribe := store.Subscribe(coreWatcher(log.WithName("core")))
	defer unsubscribe()

	server := NewServer(serverConfig, info, Dependencies{
		Store:    store,
		Importer: imp,
		Metrics:  recorder,
		Gatherer: registry,
		Logger:   log.WithName("api"),
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		log.Info("🛑 Received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error(err, "❌ Error during shutdown")
			return err
		}

		log.Info("✅ Server shut down gracefully")
		return nil
	}
}

// loadAppConfig reads .env files and the environment, then applies flag
// overrides shared with the profiles CLI
func loadAppConfig(cmd *cobra.Command) (*config.Config, error) {
	extra, _ := cmd.Flags().GetStringArray("env-file")
	cfg, err := config.NewDotEnvLoader(append(config.DefaultEnvFiles(), extra...)...).Load()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("dir") {
		cfg.ProfilesDir, _ = cmd.Flags().GetString("dir")
	}
	if cmd.Flags().Changed("state-format") {
		format, _ := cmd.Flags().GetString("state-format")
		cfg.StateFormat = strings.ToLower(format)
	}
	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.LogLevel = strings.ToLower(level)
	}
	if cmd.Flags().Changed("log-format") {
		format, _ := cmd.Flags().GetString("log-format")
		cfg.LogFormat = strings.ToLower(format)
	}
	if cmd.Flags().Changed("port") {
		cfg.APIPort, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.APIHost, _ = cmd.Flags().GetString("host")
	}

	if err := config.NewLoader().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadServerConfig derives the server configuration from the application
// configuration and the server-only flags
func loadServerConfig(cmd *cobra.Command, appConfig *config.Config) (*Config, error) {
	serverConfig := DefaultConfig()
	serverConfig.Host = appConfig.APIHost
	serverConfig.Port = appConfig.APIPort
	serverConfig.LogLevel = appConfig.LogLevel
	serverConfig.MaxPayloadBytes = appConfig.MaxPayloadBytes

	mode, err := reorder.ParseMode(appConfig.ReorderMode)
	if err != nil {
		return nil, err
	}
	serverConfig.ReorderMode = mode

	if cmd.Flags().Changed("enable-cors") {
		serverConfig.EnableCORS, _ = cmd.Flags().GetBool("enable-cors")
	}
	if cmd.Flags().Changed("allowed-origins") {
		serverConfig.AllowedOrigins, _ = cmd.Flags().GetStringSlice("allowed-origins")
	}
	if serverConfig.EnableCORS && len(serverConfig.AllowedOrigins) == 0 {
		return nil, errors.New("--allowed-origins must not be empty when CORS is enabled")
	}

	return serverConfig, nil
}

// openStore opens the file-backed store and the importer that writes to it
func openStore(cfg *config.Config, log logr.Logger, recorder *metrics.Collectors) (*profile.FileStore, *importer.Importer, error) {
	format, err := state.ParseFormat(cfg.StateFormat)
	if err != nil {
		return nil, nil, err
	}

	validator := v2config.New(v2config.WithMaxBytes(int(cfg.MaxPayloadBytes)))
	store, err := profile.NewFileStore(
		state.NewFileStateManager(cfg.ProfilesDir, format),
		validator,
		profile.WithLogger(log.WithName("store")),
		profile.WithRecorder(recorder),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open profile store: %w", err)
	}

	fetcher := fetch.New(
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithMaxBytes(cfg.MaxPayloadBytes),
		fetch.WithLogger(log.WithName("fetch")),
		fetch.WithRecorder(recorder),
		fetch.WithHTTPClient(ratelimit.NewClient(ratelimit.New(cfg.RateLimit()))),
	)
	imp := importer.New(fetcher, store,
		importer.WithLogger(log.WithName("importer")),
		importer.WithRecorder(recorder),
	)

	log.Info("Opened profile store", "dir", cfg.ProfilesDir, "format", format, "profiles", store.Count())
	return store, imp, nil
}

// coreWatcher logs the changes a service controller would act on: the
// active profile's payload or identity, or the core log level
func coreWatcher(log logr.Logger) profile.Observer {
	return profile.ObserverFunc(func(change profile.Change) {
		if !change.AffectsCurrent {
			return
		}
		if change.CurrentID == "" {
			log.Info("No current profile, core should stop", "change", change.Kind)
			return
		}
		log.Info("Current profile changed, core should reload",
			"change", change.Kind,
			"current", change.CurrentID,
			"logLevel", change.CoreLogLevel,
		)
	})
}
