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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/advisor"
	"github.com/capitalize-ai/negotiation-room/internal/config"
	"github.com/capitalize-ai/negotiation-room/internal/handler"
	"github.com/capitalize-ai/negotiation-room/internal/llm"
	natsclient "github.com/capitalize-ai/negotiation-room/internal/nats"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/service"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/internal/template"
	"github.com/capitalize-ai/negotiation-room/internal/transport"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting negotiation server",
		zap.String("store", cfg.StoreDriver),
		zap.String("llm_provider", cfg.LLMProvider),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "negotiation-room", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := store.Open(ctx, cfg.StoreConfig(), log)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := template.Builtin()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	hub := transport.NewHub(cfg.SubscriberBuffer, log)
	fanout := transport.Fanout{hub}

	// Mirror committed entries to JetStream when NATS is configured
	var natsClient *natsclient.Client
	var publisher *natsclient.Publisher
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		streams := natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStream(ctx); err != nil {
			return err
		}
		publisher = natsclient.NewPublisher(streams, 0, cfg.PersistTimeout, log)
		fanout = append(fanout, publisher)
	}

	// Initialize the AI advisor
	var adv negotiation.Advisor
	llmClient, err := llm.NewClient(ctx, llm.Provider(cfg.LLMProvider), cfg.APIKey())
	if err != nil {
		log.Warn("failed to create LLM client, AI assistance disabled", zap.Error(err))
	} else {
		adv = advisor.New(llmClient, advisor.Config{
			Model:          cfg.LLMModel,
			MaxTokens:      cfg.LLMMaxTokens,
			Timeout:        cfg.AITimeout,
			MaxAttempts:    cfg.AIMaxAttempts,
			InitialBackoff: cfg.AIInitialBackoff,
			MaxBackoff:     cfg.AIMaxBackoff,
			Stream:         cfg.LLMStream,
		}, log)
	}

	// Initialize services
	rooms := service.NewRoomManager(st, fanout, adv, service.RoomConfig{
		Policy: negotiation.Policy{
			AllowReopenAgreed:         cfg.AllowReopenAgreed,
			ProposerAcceptsImplicitly: !cfg.RequireProposerAcceptance,
		},
		QueueSize:      cfg.SessionQueueSize,
		HistoryLimit:   cfg.AIHistoryLimit,
		PersistTimeout: cfg.PersistTimeout,
	}, log)
	contracts := service.NewContractService(st, catalog, rooms, log)

	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(st, natsClient),
		Contracts:         handler.NewContractHandler(contracts, log),
		Rooms:             handler.NewRoomHandler(rooms, hub, cfg.HeartbeatInterval, log),
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to close rooms", zap.Error(err))
	}
	if publisher != nil {
		publisher.Close()
	}

	log.Info("server stopped")
	return nil
}
