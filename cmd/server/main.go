package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/config"
	"orderflow/backend/internal/evidence"
	"orderflow/backend/internal/httpapi"
	"orderflow/backend/internal/logging"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/service"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/store/memory"
	pgstore "orderflow/backend/internal/store/postgres"
	"orderflow/backend/internal/telemetry"
)

const serviceName = "orderflow-api"

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName, cfg.ServiceVersion)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	closers := make([]func() error, 0, 4)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("repository unavailable", zap.Error(err))
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	unread, closeUnread := openUnreadCache(ctx, cfg, logger)
	if closeUnread != nil {
		closers = append(closers, closeUnread)
	}

	transport := openTransport(cfg, logger)
	dispatcher := notify.NewDispatcher(repo, unread, transport, logger)
	closers = append(closers, dispatcher.Close)

	evidenceStore, closeEvidence, err := openEvidenceStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("evidence storage unavailable", zap.Error(err))
	}
	if closeEvidence != nil {
		closers = append(closers, closeEvidence)
	}

	svc := service.New(repo, dispatcher, unread, evidenceStore, service.Options{
		ReturnWindow: time.Duration(cfg.ReturnWindowDays) * 24 * time.Hour,
		UnreadTTL:    time.Duration(cfg.UnreadCacheTTLSeconds) * time.Second,
		Logger:       logger,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	evidenceDir := ""
	if cfg.EvidenceGCSBucket == "" {
		evidenceDir = cfg.EvidenceDir
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		EvidenceDir:   evidenceDir,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("orderflow backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("repository: postgres")
	return pg, pg.Close, nil
}

// openUnreadCache prefers Redis. Without it, a single in-memory process can
// cache counts locally; with a shared database other instances would never see
// this process invalidate, so counts go uncached.
func openUnreadCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.UnreadCache, func() error) {
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisUnreadCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		err := redisCache.Ping(ctx)
		if err == nil {
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
			return redisCache, redisCache.Close
		}
		logger.Warn("redis unavailable, falling back", zap.Error(err))
		_ = redisCache.Close()
	}
	if cfg.DatabaseURL == "" {
		logger.Info("cache: memory")
		return cache.NewMemoryUnreadCache(), nil
	}
	logger.Info("cache: noop")
	return cache.NoopUnreadCache{}, nil
}

func openTransport(cfg config.Config, logger *zap.Logger) notify.Transport {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("notifications: store only")
		return notify.NoopTransport{}
	}
	transport, err := notify.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
	if err != nil {
		logger.Warn("kafka transport disabled", zap.Error(err))
		return notify.NoopTransport{}
	}
	logger.Info("notifications: kafka",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaNotificationTopic),
	)
	return transport
}

func openEvidenceStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (evidence.Store, func() error, error) {
	if cfg.EvidenceGCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		gcs, err := evidence.NewGCSStore(client, cfg.EvidenceGCSBucket)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info("evidence: gcs", zap.String("bucket", cfg.EvidenceGCSBucket))
		return gcs, client.Close, nil
	}

	disk, err := evidence.NewDiskStore(cfg.EvidenceDir, cfg.EvidenceBaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("evidence: disk", zap.String("dir", disk.Dir()))
	return disk, nil, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ReturnWindowDays < 1 {
		return fmt.Errorf("RETURN_WINDOW_DAYS must be positive")
	}
	return nil
}
