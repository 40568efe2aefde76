package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/api"
	"github.com/costumery/commsaudit/internal/audit"
	"github.com/costumery/commsaudit/internal/config"
	"github.com/costumery/commsaudit/internal/db"
	"github.com/costumery/commsaudit/internal/export"
	"github.com/costumery/commsaudit/internal/metrics"
	"github.com/costumery/commsaudit/internal/notify"
	"github.com/costumery/commsaudit/internal/observ"
	"github.com/costumery/commsaudit/internal/reconcile"
	"github.com/costumery/commsaudit/internal/redis"
	"github.com/costumery/commsaudit/internal/search"
	"github.com/costumery/commsaudit/internal/sqs"
)

// exportCleanupInterval is how often expired export files are purged.
const exportCleanupInterval = 6 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting commsaudit gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Initialize repositories
	commRepo := db.NewCommunicationRepository(database, logger)
	trailRepo := db.NewMessageAuditRepository(database, logger)
	jobRepo := db.NewExportJobRepository(database, logger)
	orderRepo := db.NewOrderRepository(database, logger)

	// Initialize Redis for the SMS rate limiter
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, sms throttling disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var throttle notify.Throttle
	if redisClient != nil {
		throttle = redis.NewSMSThrottle(redisClient, logger, redis.DefaultThrottleConfig())
		defer redisClient.Close()
	}

	// Initialize SQS status-event publisher
	var publisher reconcile.EventPublisher
	if cfg.SQSQueueURL != "" {
		p, err := sqs.NewPublisher(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, status events will not be published",
				zap.Error(err),
			)
		} else {
			publisher = p
		}
	}

	// Initialize email and SMS providers
	var emailSender notify.EmailSender
	sesSender, err := notify.NewSESSender(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email sending disabled", zap.Error(err))
	} else {
		emailSender = sesSender
	}

	var smsSender notify.SMSSender
	snsSender, err := notify.NewSNSSender(ctx, notify.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS sending disabled", zap.Error(err))
	} else {
		smsSender = snsSender
	}

	// Wire the domain services
	auditSvc := audit.NewService(commRepo, trailRepo, orderRepo, logger)
	engine := reconcile.NewEngine(commRepo, publisher, logger)
	searchEngine := search.NewEngine(commRepo, logger)

	exportCfg := export.DefaultConfig()
	exportCfg.AsyncThreshold = cfg.ExportAsyncThreshold
	exportSvc := export.NewService(commRepo, jobRepo, exportCfg, logger)

	notifier := notify.NewNotifier(emailSender, smsSender, throttle, auditSvc, logger)

	logger.Info("initialized communication audit services",
		zap.Bool("email_enabled", emailSender != nil),
		zap.Bool("sms_enabled", smsSender != nil),
		zap.Bool("sms_throttle_enabled", throttle != nil),
		zap.Bool("status_events_enabled", publisher != nil),
	)

	// Purge expired export files in the background
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(exportCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				removed, err := exportSvc.CleanupExpiredExports(cleanupCtx, cfg.ExportRetentionDays)
				if err != nil {
					logger.Error("export cleanup failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("expired exports purged", zap.Int("removed", removed))
				}
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, auditSvc, engine, searchEngine, exportSvc, notifier)
	r.Route("/v1", func(r chi.Router) {
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
