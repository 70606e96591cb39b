package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/switchboard/internal/backend"
	"github.com/antoniostano/switchboard/internal/calllog"
	"github.com/antoniostano/switchboard/internal/carrier"
	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/dialog"
	"github.com/antoniostano/switchboard/internal/httpapi"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/session"
	"github.com/antoniostano/switchboard/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	turnStore, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call log store init failed: %v", err)
	}
	defer turnStore.Close()

	backendClient := backend.New(backend.Config{
		BaseURL:        cfg.BackendURL,
		Token:          cfg.BackendToken,
		BreakerTrips:   cfg.BreakerThreshold,
		BreakerReset:   cfg.BreakerCooldown,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	carrierClient := carrier.New(carrier.Config{
		AccountSID:     cfg.TwilioAccountSID,
		AuthToken:      cfg.TwilioAuthToken,
		Region:         cfg.TwilioRegion,
		Edge:           cfg.TwilioEdge,
		BreakerTrips:   cfg.BreakerThreshold,
		BreakerReset:   cfg.BreakerCooldown,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	registry := session.NewRegistry()
	streams := stream.NewManager(cfg.BackendWSURL, registry, func(kind string) {
		metrics.StreamEvents.WithLabelValues(kind).Inc()
		if kind == "dropped" {
			metrics.QueueDropped.Inc()
		}
	})
	registry.SetRemoveHook(func(s *session.Session) {
		streams.Remove(s.ID)
		metrics.ActiveSessions.Set(float64(registry.Count()))
	})

	engine := dialog.NewEngine(dialog.Config{
		Registry:          registry,
		Backend:           backendClient,
		Streams:           streams,
		Turns:             turnStore,
		PartialProcessing: cfg.PartialProcessing,
		PollWait:          cfg.StreamPollWait,
		OnSpeculative: func(outcome string) {
			metrics.SpeculativeStarts.WithLabelValues(outcome).Inc()
		},
	})

	api := httpapi.New(cfg, registry, engine, carrierClient, backendClient, turnStore, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.SessionSweepInterval, cfg.SessionMaxAge)
	streams.StartChecker(runCtx, cfg.StreamCheckInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
