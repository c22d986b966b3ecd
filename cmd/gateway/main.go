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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/alert"
	"github.com/lalithlochan/commentflow/internal/api"
	"github.com/lalithlochan/commentflow/internal/circuitbreaker"
	"github.com/lalithlochan/commentflow/internal/config"
	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/graph"
	"github.com/lalithlochan/commentflow/internal/ingest"
	"github.com/lalithlochan/commentflow/internal/messenger"
	"github.com/lalithlochan/commentflow/internal/metrics"
	"github.com/lalithlochan/commentflow/internal/observ"
	"github.com/lalithlochan/commentflow/internal/redis"
	"github.com/lalithlochan/commentflow/internal/sqs"
	"github.com/lalithlochan/commentflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting commentflow gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repoCfg := db.RepositoryConfig{MaxAttempts: cfg.MaxAttempts, Retention: cfg.Retention}

	var store db.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, comments are lost on restart")
		store = db.NewMemoryRepository(repoCfg)
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		store = db.NewRepository(database, repoCfg, logger)
	}

	// Redis backs the API rate limiter, the post config cache and the
	// cycle lock. Everything works without it on a single instance.
	var (
		configs     worker.PostConfigSource = store
		configCache *redis.PostConfigCache
		rateLimiter *redis.RateLimiter
		cycleLock   *redis.CycleLock
	)
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without cache, rate limits and cycle lock",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			configCache = redis.NewPostConfigCache(redisClient, store, cfg.ConfigCacheTTL, logger)
			configs = configCache
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.APIRateLimit,
				Window: time.Minute,
			})
			cycleLock = redis.NewCycleLock(redisClient, "dispatch", cfg.ClaimTimeout, logger)
		}
	}

	// Graph API
	var graphClient *graph.Client
	var sender messenger.Sender
	if cfg.AccessToken != "" {
		graphClient, err = graph.NewClient(graph.Config{
			AccessToken: cfg.AccessToken,
			BaseURL:     cfg.GraphBaseURL,
			Version:     cfg.GraphAPIVersion,
			PageID:      cfg.PageID,
			BusinessID:  cfg.IGBusinessID,
			Timeout:     cfg.SendTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create graph client: %w", err)
		}
		sender = messenger.NewGraphSender(graphClient, messenger.NewThrottle(cfg.SendSpacing), messenger.GraphSenderConfig{
			Timeout: cfg.SendTimeout,
			Mode:    messenger.ReplyMode(cfg.ReplyMode),
		}, logger)
	} else {
		logger.Warn("ACCESS_TOKEN not set, messages are logged instead of sent")
		sender = messenger.NewLogSender(logger)
	}

	notifier := buildNotifier(ctx, cfg, logger)

	breakerCfg := circuitbreaker.DefaultConfig("graph")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
		if to != circuitbreaker.StateOpen || from != circuitbreaker.StateClosed {
			return
		}
		// called with the breaker locked
		go func() {
			e := alert.NewEvent(alert.EventSendsPaused, "graph API failing, pending comments wait for recovery")
			if err := notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
				logger.Warn("failed to send alert", zap.String("type", e.Type), zap.Error(err))
			}
		}()
	}
	breaker := circuitbreaker.New(breakerCfg, logger)
	sender = circuitbreaker.NewProtectedSender(sender, breaker, logger)

	buttons := make([]messenger.Button, 0, len(cfg.ExtraButtons))
	for _, b := range cfg.ExtraButtons {
		buttons = append(buttons, messenger.Button{Title: b.Title, URL: b.URL})
	}

	w := worker.New(store, configs, sender, worker.Config{
		ScanInterval:    cfg.ScanInterval,
		BatchSize:       cfg.BatchSize,
		TenantID:        cfg.TenantID,
		DefaultKeywords: cfg.DefaultKeywords,
		BannedWords:     cfg.BannedWords,
		ExtraButtons:    buttons,
	}, logger)
	w.SetNotifier(notifier)
	if cycleLock != nil {
		w.SetLocker(cycleLock)
	}

	janitor, err := worker.NewJanitor(store, worker.JanitorConfig{
		Schedule:     cfg.RetentionSchedule,
		Retention:    cfg.Retention,
		ClaimTimeout: cfg.ClaimTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}

	ingestor := ingest.NewIngestor(store, ingest.IngestorConfig{
		TenantID:         cfg.TenantID,
		BusinessID:       cfg.IGBusinessID,
		BusinessUsername: cfg.IGUsername,
	}, logger)
	ingestor.SetDispatcher(w)
	if graphClient != nil {
		ingestor.SetFetcher(graphClient)
	}

	go w.Start(ctx)
	go janitor.Start(ctx)
	logger.Info("dispatch worker started", zap.Duration("scan_interval", cfg.ScanInterval))

	if cfg.PollEnabled {
		if graphClient == nil {
			logger.Warn("POLL_ENABLED set without ACCESS_TOKEN, poller disabled")
		} else {
			poller := ingest.NewPoller(graphClient, configs, ingestor, ingest.PollerConfig{
				Interval:       cfg.PollInterval,
				MaxPages:       cfg.PollMaxPages,
				MaxAge:         cfg.Retention,
				ConfiguredOnly: cfg.PollConfiguredOnly,
			}, logger)
			go poller.Start(ctx)
			logger.Info("comment poller started", zap.Duration("interval", cfg.PollInterval))
		}
	}

	handler := api.NewHandler(logger, store, ingestor, w, api.HandlerConfig{
		VerifyToken: cfg.VerifyToken,
		TenantID:    cfg.TenantID,
	})
	handler.SetBreaker(breaker)
	if configCache != nil {
		handler.SetCache(configCache)
	}

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.SQSQueueURL}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, webhook comments are stored inline", zap.Error(err))
		} else {
			handler.SetPublisher(producer)
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			go ingest.NewQueueConsumer(consumer, ingestor, logger).Start(ctx)
			logger.Info("queue consumer started", zap.String("queue_url", cfg.SQSQueueURL))
		}
	}

	routerCfg := api.RouterConfig{AppSecret: cfg.AppSecret, RateLimit: cfg.APIRateLimit}
	if rateLimiter != nil {
		routerCfg.Limiter = rateLimiter
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildNotifier fans alerts out to every configured channel. The log
// notifier is always present.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) alert.Notifier {
	notifiers := []alert.Notifier{alert.NewLogNotifier(logger)}

	if cfg.SNSAlertTopicARN != "" {
		n, err := alert.NewSNSNotifier(ctx, cfg.SNSAlertTopicARN, cfg.AWSRegion, "", logger)
		if err != nil {
			logger.Warn("SNS alerts disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if cfg.SESFromEmail != "" && cfg.AlertEmailTo != "" {
		n, err := alert.NewSESNotifier(ctx, alert.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			To:        []string{cfg.AlertEmailTo},
		}, logger)
		if err != nil {
			logger.Warn("email alerts disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.AlertWebhookURL, 10*time.Second, logger))
	}

	logger.Info("alerting configured", zap.Int("channels", len(notifiers)))
	return alert.NewMultiNotifier(logger, notifiers...)
}
