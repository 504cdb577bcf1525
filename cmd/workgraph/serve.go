package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/api"
	"github.com/Mindburn-Labs/workgraph/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	cmd.StringVar(&cfg.Port, "port", cfg.Port, "API listen port")
	cmd.StringVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "Health listen port")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%sWorkGraph policy engine starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if cfg.LiteMode() {
		_, _ = fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg, stderr)
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(context.Background())

	srv := api.NewServer(rt.manager,
		api.WithLogger(logger),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	defer srv.Close()

	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{apiServer, healthServer} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	logger.Info("ready", "api", "http://localhost:"+cfg.Port, "health", "http://localhost:"+cfg.HealthPort+"/health")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range []*http.Server{apiServer, healthServer} {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "addr", s.Addr, "error", err)
		}
	}
	return code
}
