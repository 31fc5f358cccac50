package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	"github.com/olympic/session-gateway/internal/database"
	"github.com/olympic/session-gateway/internal/handler"
	"github.com/olympic/session-gateway/internal/jobs"
	"github.com/olympic/session-gateway/internal/llm"
	"github.com/olympic/session-gateway/internal/middleware"
	"github.com/olympic/session-gateway/internal/payment"
	"github.com/olympic/session-gateway/internal/redis"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/service"
	"github.com/olympic/session-gateway/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogOutput(cfg.LogFormat)
	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	clk := clock.Real()

	var (
		sessionRepo repository.SessionRepository
		orderRepo   repository.OrderRepository
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		cancel()
		log.Info().Msg("database connected")

		sessionRepo = repository.NewSessionRepository(db, clk)
		orderRepo = repository.NewOrderRepository(db, clk)
	case config.StoreBackendRedis:
		sessionRepo = repository.NewRedisSessionRepository(redisClient.Client, clk)
		orderRepo = repository.NewRedisOrderRepository(redisClient.Client, clk, cfg.OrderRetention())
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("session store ready")

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	var answerer service.Answerer = llm.EchoAnswerer{}
	if cfg.OpenAIAPIKey != "" {
		answerer = llm.NewOpenAIAnswerer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	}

	paymentClient := payment.NewClient(cfg.NowPaymentsAPIKey, cfg.NowPaymentsBaseURL, config.PaymentProviderTimeout)

	ledger := service.NewCreditLedger(sessionRepo)
	gate := service.NewAccessGate(ledger, sessionRepo, answerer, clk, service.GateOptions{
		TrialIdentity:     cfg.FreeTrialIdentity,
		TrialWindow:       cfg.FreeTrialWindow(),
		AnswerTimeout:     cfg.AnswerTimeout(),
		MaxQuestionLength: cfg.MaxQuestionLength,
	})
	reconciler := service.NewPaymentReconciler(
		orderRepo, sessionRepo, service.RandomTokenIssuer{}, paymentClient, broker, clk,
		service.ReconcilerOptions{
			SessionDuration: cfg.SessionDuration(),
			SessionCredits:  cfg.SessionCredits,
			PriceAmount:     cfg.SessionPrice,
			PriceCurrency:   cfg.PriceCurrency,
			CallbackURL:     cfg.WebhookURL(),
			TrustStatusHint: cfg.TrustClientHint,
		},
	)
	sessionService := service.NewSessionService(sessionRepo)
	rateLimiter := service.NewRateLimiter(redisClient.Client, clk)

	askRateLimitMiddleware := middleware.NewCallerRateLimitMiddleware(rateLimiter, cfg.AskRateLimitPerMin, time.Minute, "ask")
	paymentSignatureMiddleware := middleware.NewPaymentSignatureMiddleware(cfg.NowPaymentsIPNSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	gatewayHandler := handler.NewGatewayHandler(gate, sessionService, handler.PriceInfo{
		PriceUSD:      cfg.SessionPrice,
		Currency:      cfg.PriceCurrency,
		Credits:       cfg.SessionCredits,
		DurationHours: cfg.SessionDurationHours,
	}, askRateLimitMiddleware.Handler)
	paymentHandler := handler.NewPaymentHandler(reconciler)
	eventsHandler := handler.NewEventsHandler(broker, reconciler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
			defer cancel()

			status, code := "ok", http.StatusOK
			if err := sessionService.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("health check failed")
				status, code = "unavailable", http.StatusServiceUnavailable
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]any{
				"status":    status,
				"timestamp": time.Now().UnixMilli(),
			})
		})

		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api", func(r chi.Router) {
		// Event streams outlive the request timeout.
		r.Get("/orders/{orderId}/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			gatewayHandler.RegisterRoutes(r)
			paymentHandler.RegisterRoutes(r)

			r.Route("/webhooks", func(r chi.Router) {
				r.Use(paymentSignatureMiddleware.Handler)
				r.Post("/payment", paymentHandler.Webhook)
			})
		})
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, orderRepo, clk, cfg.OrderRetention(), cfg.CleanupInterval())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
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

	log.Info().Msg("server stopped")
}

func setLogOutput(format string) {
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
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
