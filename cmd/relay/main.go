// Command relay serves the websocket hub and bridges configured child programs into it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/rtcbot/internal/config"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/internal/relay"
	"github.com/coachpo/rtcbot/internal/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath, addr := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Relay.Addr = addr
	}

	zl, err := observability.NewProductionLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Named("relay")
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("env", cfg.Environment),
		observability.F("children", len(cfg.Bridge.Children)),
		observability.F("upstream", cfg.Relay.Upstream))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Error("initialize telemetry", observability.F("error", err))
		os.Exit(1)
	}

	srv := relay.New(cfg, logger, telemetryProvider.MeterProvider())
	if err := srv.Start(ctx); err != nil {
		logger.Error("start relay", observability.F("error", err))
		_ = srv.Close(context.Background())
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	httpServer := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.Relay.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", observability.F("error", err))
			cancel()
		}
	})
	logger.Info("relay listening",
		observability.F("addr", cfg.Relay.Addr),
		observability.F("ws", cfg.Relay.WSPath),
		observability.F("metrics", cfg.Relay.MetricsPath))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          httpServer,
		serverTimeout:   cfg.Relay.ShutdownTimeout,
		relay:           srv,
		lifecycle:       &lifecycle,
		telemetry:       telemetryProvider,
		relayStopBudget: cfg.Relay.ShutdownTimeout + cfg.Bridge.JoinTimeout,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart)))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", "Path to relay configuration file (defaults apply when empty)")
	addr := flag.String("addr", "", "Listen address, overrides relay.addr")
	flag.Parse()
	return *cfgPath, *addr
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Enabled = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	server          *http.Server
	serverTimeout   time.Duration
	relay           *relay.Server
	lifecycle       *conc.WaitGroup
	telemetry       *telemetry.Provider
	relayStopBudget time.Duration
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.F("error", err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	// Hijacked websocket connections are not tracked by Shutdown; the relay
	// closes them itself.
	shutdownStep("stopping http server", cfg.serverTimeout, func(stepCtx context.Context) error {
		return cfg.server.Shutdown(stepCtx)
	})

	shutdownStep("closing relay", cfg.relayStopBudget, func(stepCtx context.Context) error {
		return cfg.relay.Close(stepCtx)
	})

	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})
}
