package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splitshelf/splitshelf/internal/archive"
	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/config"
	"github.com/splitshelf/splitshelf/internal/database"
	"github.com/splitshelf/splitshelf/internal/geo"
	"github.com/splitshelf/splitshelf/internal/httpserver"
	"github.com/splitshelf/splitshelf/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting SplitShelf",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Try to connect to PostgreSQL
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	// Try to connect to Redis
	var rdb *database.RedisDB
	if cfg.Redis.Enabled {
		rdb, err = database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, attribution caching disabled", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	// Optional ClickHouse archive sink
	var sink *archive.Sink
	if cfg.ClickHouse.Enabled {
		sink, err = archive.NewSink(ctx, archive.Options{
			Addr:          cfg.ClickHouse.Addr,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.Username,
			Password:      cfg.ClickHouse.Password,
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
		}, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, event archive disabled", zap.Error(err))
			sink = nil
		} else {
			defer sink.Close()
			go sink.Run(ctx)
		}
	}

	// Optional GeoIP country enrichment
	var geoResolver *geo.Resolver
	if cfg.Geo.Enabled {
		geoResolver, err = geo.NewResolver(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("GeoIP database not available, geo enrichment disabled", zap.Error(err))
			geoResolver = nil
		} else {
			defer geoResolver.Close()
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics("splitshelf")
	}

	deps := &httpserver.Dependencies{
		DB:      db,
		Redis:   rdb,
		Archive: sink,
		Catalog: catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.Timeout, logger),
		Geo:     geoResolver,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	server := httpserver.NewServer(deps)

	if cfg.Scheduler.Enabled {
		go server.Scheduler().Run(ctx, cfg.Scheduler.TickInterval)
	}

	// Rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				server.RateLimiter().CleanupIPLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Connection pool gauge updater
	if db != nil && m != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					st := db.Stats()
					m.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
