// Package main provides the entry point for the event bus listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildfarm/internal/events"
	"github.com/narvanalabs/buildfarm/internal/health"
	"github.com/narvanalabs/buildfarm/internal/shutdown"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	drain := flag.Bool("drain", false, "process the notification backlog and exit without entering the live loop")
	flag.Parse()

	log := logger.FromEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storeCfg := postgres.DefaultConfig(cfg.DatabaseDSN)
	db, err := postgres.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := events.NewRegistry(log.Logger)
	registry.Register(events.NewLogPlugin(log.Logger))

	listener := events.NewListener(&events.ListenerConfig{
		DSN:          cfg.DatabaseDSN,
		MinReconnect: cfg.Listener.MinReconnect,
		MaxReconnect: cfg.Listener.MaxReconnect,
	}, db, registry, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *drain {
		if err := listener.DrainBacklog(ctx); err != nil {
			log.Error("failed to drain notification backlog", "error", err)
			os.Exit(1)
		}
		return
	}

	coordinator := shutdown.NewCoordinator(shutdown.WithLogger(log.Logger))

	// Health endpoint
	var httpServer *http.Server
	if cfg.Listener.HTTPPort > 0 {
		checker := health.NewChecker(pinger{db})
		router := chi.NewRouter()
		router.Get("/healthz", checker.Handler())

		httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Listener.HTTPPort),
			Handler: router,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("health endpoint failed", "error", err)
			}
		}()
		coordinator.Register(httpComponent{httpServer})
	}

	coordinator.Register(listenerComponent{cancel})

	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.Run(ctx)
	}()

	go coordinator.WaitForSignal()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("listener failed", "error", err)
			os.Exit(1)
		}
	case <-waitDone(coordinator):
	}

	os.Exit(coordinator.ExitCode())
}

// waitDone adapts Coordinator.Wait to a channel for select.
func waitDone(c *shutdown.Coordinator) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	return done
}

// pinger adapts the store to the health checker.
type pinger struct {
	db *postgres.PostgresStore
}

func (p pinger) Ping(ctx context.Context) error {
	return p.db.DB().PingContext(ctx)
}

// httpComponent wraps the health HTTP server for the shutdown coordinator.
type httpComponent struct {
	server *http.Server
}

func (c httpComponent) Name() string { return "http" }

func (c httpComponent) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.server.Shutdown(shutdownCtx)
}

// listenerComponent stops the live message loop via context cancellation.
type listenerComponent struct {
	cancel context.CancelFunc
}

func (c listenerComponent) Name() string { return "listener" }

func (c listenerComponent) Shutdown(ctx context.Context) error {
	c.cancel()
	return nil
}
