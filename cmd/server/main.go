package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/audit"
	"github.com/ecocollect/phonegate/internal/config"
	"github.com/ecocollect/phonegate/internal/database"
	"github.com/ecocollect/phonegate/internal/handler"
	"github.com/ecocollect/phonegate/internal/jobs"
	"github.com/ecocollect/phonegate/internal/menu"
	"github.com/ecocollect/phonegate/internal/middleware"
	"github.com/ecocollect/phonegate/internal/queue"
	"github.com/ecocollect/phonegate/internal/redis"
	"github.com/ecocollect/phonegate/internal/render"
	"github.com/ecocollect/phonegate/internal/repository"
	"github.com/ecocollect/phonegate/internal/service"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis client")
	}
	defer redisClient.Close()

	notificationRepo := repository.NewNotificationRepository(db.DB)
	domainReader := repository.NewDomainReader(db.DB)
	sessionStore := repository.NewUSSDSessionStore(redisClient.Client)

	notificationLogger := audit.NewNotificationLogger(notificationRepo, cfg.NotificationLogBuffer)
	notificationLogger.Start()

	renderer := render.Default()
	limiter := service.NewRateLimiter(redisClient.Client)
	carrier := service.NewCarrierClient(service.CarrierConfig{
		BaseURL:  cfg.CarrierBaseURL,
		Username: cfg.CarrierUsername,
		APIKey:   cfg.CarrierAPIKey,
		SenderID: cfg.CarrierSenderID,
		Timeout:  cfg.CarrierTimeout(),
	})

	queueBackend := queue.NewRedisBackend(redisClient.Client)
	deliveryQueue := service.NewDeliveryQueue(queueBackend, carrier, renderer, notificationLogger, limiter, service.QueueConfig{
		ChunkSize:         cfg.QueueChunkSize,
		MaxAttempts:       cfg.QueueMaxAttempts,
		BackoffBase:       cfg.BackoffBase(),
		Concurrency:       cfg.QueueConcurrency,
		PollInterval:      cfg.PollInterval(),
		CarrierRatePerMin: cfg.CarrierRatePerMin,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	deliveryQueue.Initialize(workerCtx)
	deliveryQueue.Start(workerCtx)

	ussdService := service.NewUSSDService(
		sessionStore, domainReader, renderer, menu.DefaultTable(), deliveryQueue, cfg.SessionTTL(),
	)

	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(cfg.SMSAPIKey)
	phoneRateLimitMiddleware := middleware.NewPhoneRateLimitMiddleware(limiter, cfg.USSDRatePerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	ussdBodyLimitMiddleware := middleware.NewBodyLimitMiddleware(middleware.USSDMaxBodySize).
		WithTextReply(handler.InvalidUSSDRequestText)

	ussdHandler := handler.NewUSSDHandler(ussdService, config.USSDCallbackTimeout)
	smsHandler := handler.NewSMSHandler(deliveryQueue, notificationRepo)
	healthHandler := handler.NewHealthHandler(redisClient, deliveryQueue)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/ussd", func(r chi.Router) {
		r.Use(ussdBodyLimitMiddleware.Handler)
		r.Use(phoneRateLimitMiddleware.Handler)
		r.Mount("/", ussdHandler.Routes())
	})

	r.Route("/sms", func(r chi.Router) {
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/", smsHandler.Routes(apiKeyMiddleware.Handler))
	})

	cleanupJob := jobs.NewCleanupJob(queueBackend, cfg.QueueRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Bool("mockCarrier", cfg.MockCarrier()).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := ussdService.Wait(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ussd notifications still pending")
	}
	if err := deliveryQueue.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("delivery workers did not stop in time")
	}
	notificationLogger.Stop(shutdownCtx)

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
