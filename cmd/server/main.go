package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
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

	"github.com/openclaw/assist-relay/internal/approval"
	"github.com/openclaw/assist-relay/internal/bridge"
	"github.com/openclaw/assist-relay/internal/config"
	"github.com/openclaw/assist-relay/internal/database"
	"github.com/openclaw/assist-relay/internal/handler"
	"github.com/openclaw/assist-relay/internal/hub"
	"github.com/openclaw/assist-relay/internal/jobs"
	"github.com/openclaw/assist-relay/internal/middleware"
	"github.com/openclaw/assist-relay/internal/pairing"
	"github.com/openclaw/assist-relay/internal/redis"
	"github.com/openclaw/assist-relay/internal/repository"
	"github.com/openclaw/assist-relay/internal/service"
	"github.com/openclaw/assist-relay/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	schema := service.NewSchemaCapabilities(cfg.UnsupportedSessionColumns)
	sessionService := service.NewSessionService(sessionRepo, schema)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	signalHub := hub.New(sessionService, broker, config.PersistTimeout)
	intents := pairing.New(cfg.PairingTTL(), pairing.WithBoundCheck(signalHub.HasStream))
	for addr, sessionID := range cfg.LegacyStreamMap {
		intents.RememberLegacy(addr, service.NormalizeSessionCode(sessionID))
	}
	if n := intents.LegacyLen(); n > 0 {
		log.Info().Int("entries", n).Msg("legacy stream map loaded")
	}
	gate := approval.NewGate(sessionService, signalHub, cfg.ApprovalTimeout())
	signalHub.OnSourceLeft(func(sessionID string) {
		gate.Cancel(sessionID)
	})

	streamBridge := bridge.New(sessionService, intents, signalHub, bridge.Options{
		BufferBytes:       cfg.StreamBufferBytes,
		AutoSessionWindow: cfg.AutoSessionWindow(),
		SessionExpiry:     cfg.SessionExpiry(),
		PersistTimeout:    config.PersistTimeout,
		ShareLink:         cfg.ShareLink,
	})

	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	intentLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, cfg.IntentRateLimitPerMin, time.Minute, "stream-intent",
	)

	signalHandler := handler.NewSignalHandler(signalHub, gate, sessionService, cfg.SignalMaxMessageBytes)
	streamHandler := handler.NewStreamHandler(streamBridge)
	eventsHandler := handler.NewEventsHandler(broker)
	sessionHandler := handler.NewSessionHandler(
		sessionService, intents, gate, signalHub, cfg.ShareLink,
		cfg.PairingTTL(), intentLimitMiddleware.Handler,
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":             status,
			"timestamp":          time.Now().UnixMilli(),
			"rooms":              signalHub.RoomCount(),
			"streams":            len(streamBridge.Sessions()),
			"intents":            intents.Len(),
			"legacy":             intents.LegacyLen(),
			"unsupportedColumns": schema.Unsupported(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	// Long-lived sockets and event streams stay outside the request timeout.
	r.Get("/v1/signal", signalHandler.ServeHTTP)
	r.Get("/v1/events", eventsHandler.ServeHTTP)
	r.Get("/stream", streamHandler.ServeHTTP)
	r.Get("/stream/{sessionId}", streamHandler.ServeHTTP)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		// connect blocks for the whole approval window.
		r.Use(chimiddleware.Timeout(cfg.ApprovalTimeout() + config.ServerRequestTimeout))
		r.Mount("/", sessionHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, intents, config.SessionRetention, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	streamListener, err := net.Listen("tcp", cfg.StreamAddr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.StreamAddr()).Msg("failed to listen for stream sockets")
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	go func() {
		if err := streamBridge.Serve(serveCtx, streamListener); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Fatal().Err(err).Msg("stream listener error")
		}
	}()

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

	stopServing()
	streamBridge.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	signalHub.Close()

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
