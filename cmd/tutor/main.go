package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"aitutor/internal/app"
	"aitutor/internal/config"
	"aitutor/internal/identity"
	"aitutor/internal/ratelimit"
	"aitutor/internal/server"
	"aitutor/internal/util"
	"aitutor/internal/workflow"
	"aitutor/pkg/queue"
	"aitutor/pkg/storage"
	"aitutor/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := newStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer dataStore.Close()

	files, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init file storage: %v", err)
	}

	verifier, err := newIdentity(cfg)
	if err != nil {
		log.Fatalf("failed to init identity: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	flows := workflow.NewClient(workflow.Config{
		LessonWebhookURL:   cfg.LessonWebhookURL,
		ScheduleWebhookURL: cfg.ScheduleWebhookURL,
		Token:              cfg.WorkflowToken,
		CallbackBaseURL:    cfg.PublicBaseURL,
	})

	var (
		redisClient *redis.Client
		lessonQueue *queue.RedisQueue
		limiter     ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if flows.LessonsEnabled() {
			lessonQueue, err = queue.NewRedisQueue(redisClient, queue.Config{
				Stream:     cfg.QueueStream,
				MaxRetries: cfg.DispatchMaxRetries,
				RetryDelay: 2 * time.Second,
			})
			if err != nil {
				log.Fatalf("failed to init lesson queue: %v", err)
			}
		}
		if cfg.RateLimitPerMinute > 0 {
			fw, err := ratelimit.NewFixedWindow(redisClient, "", cfg.RateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init rate limiter: %v", err)
			}
			limiter = fw
		}
	}

	appCfg := app.Config{Store: dataStore, Files: files, Workflow: flows}
	if lessonQueue != nil {
		appCfg.Queue = lessonQueue
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Identity:       verifier,
		Callbacks:      identity.NewCallbackVerifier(cfg.CallbackSecret),
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DatabaseURLSet: cfg.DatabaseURL != "",
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = util.ContextWithLogger(ctx, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tutor server listening", "addr", addr, "store", cfg.StoreDriver, "storage", cfg.StorageBackend, "auth", cfg.AuthMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if lessonQueue != nil {
		g.Go(func() error {
			slog.Info("lesson dispatcher started", "stream", cfg.QueueStream, "concurrency", cfg.DispatcherConcurrency)
			return lessonQueue.Run(gctx, cfg.DispatcherConcurrency, appCore.DispatchLesson, appCore.FailLesson)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("tutor server stopped")
}

func newStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseURL)
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "minio":
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case "supabase":
		return storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket, cfg.SupabasePrefix)
	default:
		return storage.NewFileStore(cfg.UploadDir)
	}
}

func newIdentity(cfg config.FileConfig) (identity.IdentityVerifier, error) {
	if cfg.AuthMode != "jwt" {
		slog.Warn("trusting X-User-Id header; set authMode jwt in production")
		return identity.HeaderVerifier{}, nil
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return nil, err
	}
	return identity.NewTokenVerifier(identity.TokenConfig{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     leeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
}
