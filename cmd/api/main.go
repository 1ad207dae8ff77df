// Package main is the entry point for the API server.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pendo-health/counselling-platform/internal/config"
	"github.com/pendo-health/counselling-platform/internal/handler"
	"github.com/pendo-health/counselling-platform/internal/llm"
	"github.com/pendo-health/counselling-platform/internal/mail"
	"github.com/pendo-health/counselling-platform/internal/middleware"
	natsclient "github.com/pendo-health/counselling-platform/internal/nats"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "counselling-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Open the conversation store
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("failed to open datastore", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	// Connect to NATS
	nats, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer nats.Close()

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(nats)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", zap.Error(err))
		os.Exit(1)
	}

	// Companion LLM client (optional)
	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic client, companion disabled", zap.Error(err))
		}
	} else if cfg.OpenAIAPIKey != "" {
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI client, companion disabled", zap.Error(err))
		}
	}

	// Mailer (optional)
	var mailer mail.Mailer = mail.Noop{}
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPMailer(mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}

	// Initialize services
	conversationSvc := service.NewConversationService(st, streamManager, log)
	queueSvc := service.NewQueueService(st, streamManager, log)
	sessionSvc := service.NewSessionService(st, conversationSvc, streamManager, log, cfg.SessionIdleTimeout)
	companionSvc := service.NewCompanionService(llmClient, conversationSvc, queueSvc, log, cfg.CompanionModel)
	notificationSvc := service.NewNotificationService(streamManager, mailer, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(nats, st)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, companionSvc, log)
	queueHandler := handler.NewQueueHandler(queueSvc, log)
	sessionHandler := handler.NewSessionHandler(sessionSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, queueSvc, streamManager, log)
	notificationHandler := handler.NewNotificationHandler(notificationSvc, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.With(middleware.RequireRole(middleware.RoleStudent)).
				Post("/", conversationHandler.GetOrCreate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Append)
				r.Get("/stream", streamHandler.Conversation)

				r.With(middleware.RequireRole(middleware.RoleCounsellor)).
					Post("/claim", sessionHandler.Claim)
				r.With(middleware.RequireRole(middleware.RoleCounsellor, middleware.RoleAdmin)).
					Post("/end", sessionHandler.End)
				r.With(middleware.RequireRole(middleware.RoleTriage, middleware.RoleAdmin)).
					Post("/escalate", queueHandler.Escalate)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleCounsellor, middleware.RoleAdmin))
			r.Get("/", queueHandler.List)
			r.Get("/stream", streamHandler.Queue)
		})

		r.With(middleware.RequireRole(middleware.RoleCounsellor)).
			Get("/sessions", sessionHandler.Owned)

		r.Route("/notifications", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleCounsellor, middleware.RoleAdmin))
			r.Post("/video", notificationHandler.VideoSession)
			r.Get("/stream", streamHandler.Notifications)
		})

		r.With(middleware.RequireRole(middleware.RoleAdmin)).
			Get("/admin/conversations", conversationHandler.ListAll)
	})

	// Create HTTP server. No write timeout: SSE connections are long-lived.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sessionSvc.RunJanitor(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("server stopped")
}
