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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/qshe-platform/be-patrol-engine/internal/client"
	"github.com/qshe-platform/be-patrol-engine/internal/config"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
	"github.com/qshe-platform/be-patrol-engine/internal/handler"
	"github.com/qshe-platform/be-patrol-engine/internal/natsconn"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
	"github.com/qshe-platform/be-patrol-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Service)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting patrol lifecycle engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.DSN()); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		log.Info().Msg("Database migrations applied")
	}

	// NATS (optional; notifications degrade to no-ops without it)
	var nats *natsconn.Client
	if cfg.NATS.Enabled {
		nats, err = natsconn.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nats.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS disabled; lifecycle notifications will not be published")
	}

	// Collaborators
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL)
	photoStore := client.NewPhotoStore(cfg.Photos.BaseURL, cfg.Photos.Bucket)
	notifier := client.NewNotificationPublisher(nats, log)

	// Repositories
	patrolRepo := repository.NewPatrolRepository(db)
	actionRepo := repository.NewActionRepository(db)
	stepRepo := repository.NewApprovalStepRepository(db)
	rulesRepo := repository.NewApprovalRulesRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Services
	patrolService := service.NewPatrolService(patrolRepo, auditRepo, cfg.Engine.EditWindow, log)
	actionService := service.NewActionService(actionRepo, patrolRepo, auditRepo, notifier, photoStore, cfg.Engine, log)
	approvalService := service.NewApprovalService(actionRepo, patrolRepo, stepRepo, rulesRepo, auditRepo, identityClient, notifier, log)

	// Router
	httpHandler := handler.NewHTTPHandler(patrolService, actionService, approvalService, cfg.Engine.AutoSubmit, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-Id"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpHandler.Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// newLogger builds the service logger from the configured level.
func newLogger(svc config.ServiceConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(svc.LogLevel)
	if err != nil || svc.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", svc.Name).
		Str("version", svc.Version).
		Logger()

	if svc.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
