package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/api"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

const (
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

// runServe implements `shelter serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server error
//	2 = configuration error
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (default :$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr == "" {
		addr = net.JoinHostPort("", cfg.Port)
	}
	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := shelter.Open(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	idem := api.NewSQLIdempotencyStore(rt.DB.DB(), rt.DB.Dialect(), idempotencyTTL, logger)
	go api.SweepIdempotency(ctx, idem, time.Hour)

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(ctx, rt.Service, api.ServerOptions{
			RateLimit:     cfg.APIRateLimit,
			RateBurst:     cfg.APIRateBurst,
			Idempotency:   idem,
			Auth:          api.NewJWTValidator(cfg.APIJWTSecret),
			Observability: rt.Provider,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("shelter ready", "addr", addr, "version", versioning.Current().String())
	_, _ = fmt.Fprintf(stdout, "shelter listening on %s\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
			return 1
		}
	}
	return 0
}
