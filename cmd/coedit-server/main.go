package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 3 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-server",
		Short: "Real-time collaborative document sync server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Document store driver (sqlite, postgres, redis)")
	cmd.PersistentFlags().String("store-dsn", defaults.GetString("store.dsn"), "Document store DSN or SQLite path")
	cmd.PersistentFlags().Duration("snapshot-interval", defaults.GetDuration("snapshot.interval"), "Interval between snapshot requests per open document")
	cmd.PersistentFlags().Duration("selection-debounce", defaults.GetDuration("selection.debounce"), "Quiet window for coalescing echoed selections")
	cmd.PersistentFlags().Duration("selection-forward-delay", defaults.GetDuration("selection.forward_delay"), "Delay before relaying cursor updates (max 250ms)")
	cmd.PersistentFlags().Int("session-queue-size", defaults.GetInt("session.queue_size"), "Outbound messages buffered per client before it is disconnected")
	cmd.PersistentFlags().String("bootstrap-path", defaults.GetString("document.bootstrap_path"), "Path to the JSON template served for empty documents")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated list of allowed origins")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.dsn", "store-dsn")
	bindFlag(cmd, "snapshot.interval", "snapshot-interval")
	bindFlag(cmd, "selection.debounce", "selection-debounce")
	bindFlag(cmd, "selection.forward_delay", "selection-forward-delay")
	bindFlag(cmd, "session.queue_size", "session-queue-size")
	bindFlag(cmd, "document.bootstrap_path", "bootstrap-path")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := database.OpenStore(ctx, appConfig.StoreDriver, appConfig.StoreDSN, logger)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	template, err := documents.LoadBootstrapTemplate(appConfig.BootstrapPath)
	if err != nil {
		return err
	}
	loader, err := documents.NewLoader(documents.LoaderConfig{
		Store:    store,
		Template: template,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	events := server.NewDocumentEventDispatcher()
	hub, err := collab.NewHub(collab.HubConfig{
		Loader:           loader,
		Store:            store,
		SnapshotInterval: appConfig.SnapshotInterval,
		Debounce:         appConfig.SelectionDebounce,
		ForwardDelay:     appConfig.SelectionForwardWait,
		QueueSize:        appConfig.SessionQueueSize,
		Events:           events,
		Clock:            time.Now,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:            hub,
		Store:          store,
		Events:         events,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Websocket connections are hijacked, so Shutdown leaves them open.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		_ = hub.Drain(drainCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
