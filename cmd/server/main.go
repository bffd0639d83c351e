package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline-sync-engine/internal/api"
	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/database"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/sync"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:          "sync-server",
	Short:        "Offline-first sync engine with an HTTP admin API",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync engine", zap.String("config", configPath))

	config.Watch(configPath, func(c *config.Config) {
		if err := logger.SetLevel(c.Logging.Level); err != nil {
			logger.Log.Warn("Ignoring log level change", zap.Error(err))
			return
		}
		logger.Log.Info("Config reloaded", zap.String("log_level", c.Logging.Level))
	}, func(err error) {
		logger.Log.Warn("Config reload failed", zap.Error(err))
	})

	// Init State Store
	var stateStore store.Store
	sqlStore, err := store.Open(ctx, cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}
	if sqlStore != nil {
		defer sqlStore.Close()
		stateStore = sqlStore
	} else {
		logger.Log.Warn("No state storage configured; queue and schedules are kept in memory only")
	}

	// Init Backend
	remote, closeRemote, err := openBackend(ctx, cfg.Databases.Cloud)
	if err != nil {
		return err
	}
	defer closeRemote()

	// Init Sync Manager
	quality, err := network.Parse(cfg.Network.Quality)
	if err != nil {
		return err
	}
	monitor := network.NewStatic(quality)
	syncManager, err := sync.NewManager(cfg, remote, stateStore, sync.WithMonitor(monitor))
	if err != nil {
		return fmt.Errorf("failed to init sync manager: %w", err)
	}
	if err := syncManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync manager: %w", err)
	}

	// Init API
	router, err := api.NewHandler(syncManager, cfg.Server, api.WithNetwork(monitor)).Routes()
	if err != nil {
		return err
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful Shutdown
	select {
	case <-ctx.Done():
		logger.Log.Info("Shutting down server...")
	case err = <-serverErr:
		logger.Log.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Log.Warn("Server shutdown", zap.Error(serr))
	}
	if serr := syncManager.Stop(shutdownCtx); serr != nil {
		logger.Log.Error("Sync manager shutdown", zap.Error(serr))
		err = errors.Join(err, serr)
	}
	return err
}

// openBackend connects the cloud database. Without a configured driver the
// engine pushes into an in-process backend, which is only useful for trying
// the API out.
func openBackend(ctx context.Context, c config.DatabaseConnection) (backend.Backend, func(), error) {
	if c.Driver == "" {
		logger.Log.Warn("No cloud database configured; using the in-memory backend")
		return backend.NewMemory(), func() {}, nil
	}
	db, d, err := database.Connect(ctx, database.ConnFromDatabase(c))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect cloud database: %w", err)
	}
	b := database.NewBackend(db, d)
	return b, func() { b.Close() }, nil
}
