package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pastebin/internal/httpserver"
	"pastebin/internal/id"
	"pastebin/internal/janitor"
	"pastebin/internal/metrics"
	"pastebin/internal/paste"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the reclamation sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := &a.cfg, a.logger

	port, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer port.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ids, err := id.NewWithAlphabet(cfg.IDLength, cfg.IDAlphabet)
	if err != nil {
		return err
	}
	pastes, err := paste.New(paste.Config{
		Port:            port,
		IDs:             ids,
		DefaultTTL:      cfg.DefaultTTL,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxAttempts:     cfg.IDMaxAttempts,
		PurgeOnRead:     cfg.PurgeOnRead,
		Logger:          logger.With("component", "paste"),
		Metrics:         m,
	})
	if err != nil {
		return err
	}
	if limit := pastes.MaxPayloadBytes(); limit < cfg.MaxPayloadBytes {
		logger.Warn("backend caps payload size", "max_payload_bytes", limit, "configured", cfg.MaxPayloadBytes)
	}

	sweeper, err := janitor.New(janitor.Config{
		Port:     port,
		Interval: cfg.SweepInterval,
		Timeout:  cfg.SweepTimeout,
		Logger:   logger.With("component", "janitor"),
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	var limiter *httpserver.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = httpserver.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 15*time.Minute)
	}

	srv, err := httpserver.New(httpserver.Config{
		Pastes:         pastes,
		RateLimiter:    limiter,
		TrustProxy:     cfg.BehindProxy,
		BaseURL:        cfg.BaseURL,
		Logger:         logger.With("component", "http"),
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	srvHTTP := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr, "backend", cfg.Backend)
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	pastes.Wait()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
