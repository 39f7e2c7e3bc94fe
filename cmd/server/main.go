package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"presenter-sync-service/internal/api"
	"presenter-sync-service/internal/broadcast"
	"presenter-sync-service/internal/config"
	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/media"
	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/replication"
	"presenter-sync-service/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("presenter-sync", pflag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "path to the config file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Int("port", 0, "HTTP listen port")
	_ = flags.Parse(os.Args[1:])

	// Load Config
	v := viper.New()
	bindFlag(v, "logging.level", flags.Lookup("log-level"))
	bindFlag(v, "server.port", flags.Lookup("port"))
	cfg, err := config.Load(v, *configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting presenter sync service")

	ctx := context.Background()

	// Local Store
	localStore, err := store.OpenSQLite(ctx, cfg.Replication.LocalPath)
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	// Remote Store
	endpoint := cfg.Replication.RemoteEndpoint()
	remoteStore, err := remote.Open(ctx, endpoint, remote.Options{
		Binlog: remote.BinlogOptions{
			Enabled:  cfg.Replication.Binlog.Enabled,
			Addr:     cfg.Replication.Binlog.Addr,
			User:     cfg.Replication.Binlog.User,
			Password: cfg.Replication.Binlog.Password,
			ServerID: cfg.Replication.Binlog.ServerID,
		},
	})
	if err != nil {
		logger.Log.Fatal("Failed to open remote store", zap.Error(err))
	}

	// Replication Manager
	manager := replication.NewManager(cfg.Replication, remoteStore, localStore)
	defer manager.Close()
	if cfg.Replication.AutoStart {
		if err := manager.Start(); err != nil {
			logger.Log.Error("Failed to start replication", zap.Error(err))
		}
	}
	if _, err := manager.LocalCopy(ctx); err == nil {
		logger.Log.Info("Local copy from a previous run is available")
	}

	// Broadcast
	hub := broadcast.NewHub(cfg.Broadcast.ChannelName, cfg.Broadcast.SendBuffer)
	var transport broadcast.Transport = broadcast.HubTransport{Hub: hub}
	if cfg.Broadcast.RelayURL != "" {
		transport = broadcast.WebSocketTransport{
			URL:        cfg.Broadcast.RelayURL,
			SendBuffer: cfg.Broadcast.SendBuffer,
		}
	}
	machine := broadcast.NewMachine(cfg.Broadcast.ChannelName, transport, broadcast.Backoff{
		MaxAttempts: cfg.Broadcast.MaxAttempts,
		BaseDelay:   cfg.Broadcast.GetBaseDelay(),
		MaxDelay:    cfg.Broadcast.GetMaxDelay(),
	})
	machine.Subscribe(func(s broadcast.State) {
		logger.Log.Info("Broadcast status",
			zap.String("status", string(s.Status)),
			zap.Int("retryCount", s.RetryCount),
		)
	})
	broadcast.Install(machine)
	machine.Start()
	defer hub.Close()
	defer broadcast.Teardown()

	// Media
	var (
		bridge media.Bridge
		cache  *media.CacheBridge
	)
	if cfg.Media.Desktop {
		cache, err = media.NewCacheBridge(media.CacheOptions{
			Dir:             cfg.Media.CacheDir,
			MaxBytes:        cfg.Media.MaxCacheBytes,
			MaxFileBytes:    cfg.Media.MaxFileBytes,
			Timeout:         cfg.Media.GetDownloadTimeout(),
			DownloadsPerSec: cfg.Media.DownloadsPerSec,
		})
		if err != nil {
			logger.Log.Fatal("Failed to init media cache", zap.Error(err))
		}
		defer cache.Close()
		bridge = cache
	}
	mode := media.DetectMode(bridge)
	logger.Log.Info("Media mode", zap.String("mode", string(mode)))
	slots := media.NewSlots(mode, bridge, cfg.Media.GetDownloadTimeout(), cfg.Media.Slots)

	// Scheduler
	scheduler := replication.NewScheduler(cfg.Scheduler, manager)
	if cache != nil && cfg.Media.MaxCacheBytes > 0 {
		err := scheduler.AddJob("media-prune", cfg.Scheduler.PruneInterval, func() {
			if _, _, err := cache.Prune(cfg.Media.MaxCacheBytes); err != nil {
				logger.Log.Warn("Media cache prune failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Log.Error("Failed to schedule media prune", zap.Error(err))
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(api.Options{
		Replication: manager,
		Hub:         hub,
		Slots:       slots,
		Cache:       cache,
		Server:      cfg.Server,
	})
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	manager.Stop()
}

// bindFlag lets an explicitly set flag override file and env values.
func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag != nil && flag.Changed {
		v.Set(key, flag.Value.String())
	}
}
