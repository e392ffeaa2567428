// Command lingzhi-relay runs the edge relay that bridges client voice
// sessions to the upstream AI service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/auth"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/bridge"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/config"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/metrics"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/registry"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("LINGZHI_JWT_SECRET is empty; client authentication disabled")
	}

	reg := registry.New(cfg.SessionTTL)
	m := metrics.New("lingzhi")
	verifier := auth.NewVerifier(cfg.JWTSecret)
	b := bridge.NewHandler(cfg, verifier, reg, m, logger)

	var draining atomic.Bool
	handler := server.New(server.Deps{
		Bridge:   b,
		Metrics:  m,
		Logger:   logger,
		Draining: draining.Load,
	})

	janitorStop := make(chan struct{})
	defer close(janitorStop)
	go reg.RunJanitor(cfg.SessionSweepEvery, janitorStop, func(removed int) {
		logger.Info("swept stale sessions", "removed", removed)
	})

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	logger.Info("starting relay", "addr", cfg.Addr, "upstream", cfg.UpstreamURL)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	draining.Store(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "lingzhi-relay: load .env: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "lingzhi-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
