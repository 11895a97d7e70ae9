package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-relay/internal/auth"
	"github.com/example/face-relay/internal/backend"
	"github.com/example/face-relay/internal/config"
	"github.com/example/face-relay/internal/fingerprint"
	"github.com/example/face-relay/internal/grpcserver"
	"github.com/example/face-relay/internal/handlers"
	"github.com/example/face-relay/internal/repository"
	"github.com/example/face-relay/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	extractor, err := fingerprint.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init fingerprint extractor: %w", err)
	}
	if closer, ok := extractor.(io.Closer); ok {
		defer closer.Close()
	}

	forwarder, err := backend.NewClient(cfg.BackendURL, nil, cfg.BackendTimeout, cfg.BackendRetryBackoff, logger)
	if err != nil {
		return fmt.Errorf("init backend forwarder: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var repo usecase.RegistrationRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(initCtx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		registrations := repository.NewRegistrationRepository(db, logger)
		if err := registrations.AutoMigrate(initCtx); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
		repo = registrations
	} else {
		logger.Info("DATABASE_DSN not set, registration logging disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(initCtx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, fingerprint cache disabled")
	}

	uc := usecase.NewRegistrationUseCase(repo, cache, extractor, forwarder, logger, usecase.Settings{
		CacheTTL:       cfg.FingerprintCacheTTL,
		CacheNamespace: cacheNamespace(cfg),
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newHTTPHandler(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.GRPCHealthAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen for gRPC health: %w", err)
		}
		health := grpcserver.NewHealthServer(logger)
		go func() {
			if err := health.Serve(listener); err != nil {
				logger.Error("gRPC health service stopped", zap.Error(err))
			}
		}()
		defer health.Stop()
		server.RegisterOnShutdown(func() { health.SetServing(false) })
		health.SetServing(true)
	}

	logger.Info("face relay listening",
		zap.String("addr", server.Addr),
		zap.String("extractor", fingerprint.Backend),
		zap.String("strategy", cfg.FingerprintStrategy),
		zap.String("backend_url", cfg.BackendURL),
	)
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// newHTTPHandler assembles the gin router and wraps it with CORS so browser
// capture pages can post data URLs directly.
func newHTTPHandler(cfg *config.Config, svc handlers.RegistrationService, logger *zap.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))

	handlers.RegisterRoutes(r, svc, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
		Auth:           auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{handlers.RequestIDHeader},
	})
	return c.Handler(r)
}

func cacheNamespace(cfg *config.Config) string {
	return fmt.Sprintf("%s:%s:%d", fingerprint.Backend, cfg.FingerprintStrategy, cfg.FingerprintDimension)
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
