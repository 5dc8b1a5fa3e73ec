package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fabricmon/api/server"
	"fabricmon/internal/analyzer"
	"fabricmon/internal/cache"
	"fabricmon/internal/collector"
	"fabricmon/internal/config"
	"fabricmon/internal/database"
	"fabricmon/internal/dispatch"
	"fabricmon/internal/elasticsearch"
	"fabricmon/internal/history"
	"fabricmon/internal/logger"
	"fabricmon/internal/models"
	"fabricmon/internal/push"
	"fabricmon/internal/telemetry"

	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "etc/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// Prefer the config file; fall back to environment variables.
	var cfg *config.Config
	if _, err := os.Stat(*configFile); err == nil {
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Printf("Failed to load config from file: %v\n", err)
			fmt.Println("Falling back to environment variables...")
			cfg = config.Load()
		}
	} else {
		fmt.Println("Config file not found, loading from environment variables...")
		cfg = config.Load()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting fabric monitor",
		zap.String("version", version),
		zap.String("config_file", *configFile),
	)

	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	store := history.NewStore(db)

	logger.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.DBName),
	)

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password,
			cfg.Redis.DB, time.Duration(cfg.Redis.TTLSeconds)*time.Second)
		if err != nil {
			logger.Fatal("Failed to initialize Redis cache", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("Redis cache initialized", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Info("Redis cache is disabled")
	}

	var esClient *elasticsearch.Client
	if cfg.Elasticsearch.Enabled {
		esClient, err = elasticsearch.NewClient(elasticsearch.Config{
			Addresses:   cfg.Elasticsearch.Addresses,
			Username:    cfg.Elasticsearch.Username,
			Password:    cfg.Elasticsearch.Password,
			IndexPrefix: cfg.Elasticsearch.IndexPrefix,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Elasticsearch", zap.Error(err))
		}
		defer esClient.Close()
	} else {
		logger.Info("Elasticsearch is disabled")
	}

	client := telemetry.NewClient(telemetry.ClientConfig{
		Host:      cfg.Controller.Host,
		Port:      cfg.Controller.Port,
		Username:  cfg.Controller.Username,
		Password:  cfg.Controller.Password,
		VerifySSL: cfg.Controller.VerifySSL,
	})

	notifiers, err := dispatch.BuildNotifiers(cfg.Channels)
	if err != nil {
		logger.Fatal("Failed to build notification channels", zap.Error(err))
	}
	dispatcher := dispatch.NewDispatcher(notifiers, cfg.Monitor.DispatchQueueSize)

	hub := push.NewHub()
	cooldown := analyzer.NewCooldownTracker()
	an := analyzer.New(cfg.Rules, cooldown, store, dispatcher, hub)

	thresholds := telemetry.Thresholds{
		CPUWarning:     cfg.Thresholds.CPUWarning,
		CPUCritical:    cfg.Thresholds.CPUCritical,
		MemoryWarning:  cfg.Thresholds.MemoryWarning,
		MemoryCritical: cfg.Thresholds.MemoryCritical,
	}
	col := collector.New(client, an, store, hub, thresholds, cfg.Monitor.PollInterval())
	if esClient != nil {
		col.SetCycleSink(esClient)
	}

	retention := history.NewRetention(store, cfg.Monitor.RetentionWindow(), cfg.Monitor.RetentionInterval())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	dispatcher.Start(ctx)

	// Mirror event transitions into the search backend.
	if esClient != nil {
		updates, cancelSub := hub.Subscribe(64)
		defer cancelSub()
		go func() {
			for u := range updates {
				event, ok := u.Payload.(models.AlertEvent)
				if !ok {
					continue
				}
				switch u.Kind {
				case push.KindEventRaised:
					esClient.IndexEvent(event, "raised")
				case push.KindEventCleared:
					esClient.IndexEvent(event, "cleared")
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		col.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		retention.Run(ctx)
	}()

	apiServer := server.NewServer(col, an, store, hub, client, redisCache, cfg)
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer.Handler(),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop the pipeline. The dispatcher drains queued notifications before
	// its workers exit.
	cancel()
	wg.Wait()
	dispatcher.Wait()
	client.Logout(context.Background())

	logger.Info("Fabric monitor stopped")
}
