package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/auth-sidecar/internal/api"
	"github.com/ocx/auth-sidecar/internal/cache"
	"github.com/ocx/auth-sidecar/internal/cardinality"
	"github.com/ocx/auth-sidecar/internal/circuitbreaker"
	"github.com/ocx/auth-sidecar/internal/config"
	"github.com/ocx/auth-sidecar/internal/gateway"
	"github.com/ocx/auth-sidecar/internal/metrics"
	"github.com/ocx/auth-sidecar/internal/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	m := metrics.New()

	governor := cardinality.NewGovernor(
		cfg.Telemetry.CardinalityMaxUnique,
		cfg.Telemetry.CardinalityHashBuckets,
	)
	governor.OnWarn(m.CardinalityWarnings.Inc)
	governor.OnLimitExceeded(m.CardinalityLimitHits.Inc)
	volume := cardinality.NewVolumeClassifier()

	var staleCache cache.StaleCache
	var sharedCache *cache.Shared
	staleTolerance := time.Duration(cfg.Cache.StaleToleranceMinutes) * time.Minute
	if cfg.Cache.HAMode {
		sharedCache, err = cache.NewShared(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, staleTolerance)
		if err != nil {
			log.Fatalf("shared cache unavailable: %v", err)
		}
		staleCache = sharedCache
	} else {
		staleCache = cache.NewLocal(staleTolerance)
	}

	policies := circuitbreaker.BuildPolicies(cfg.Breaker.Overrides)
	breakers := circuitbreaker.NewRegistry(policies,
		circuitbreaker.WithBenignErrors(gateway.Benign),
		circuitbreaker.WithStateChangeHook(func(op string, _, to circuitbreaker.State) {
			m.SetBreakerState(op, int(to))
		}),
	)

	client := gateway.NewClient(cfg.Gateway.AdminURL, cfg.Gateway.AdminToken)
	resilient := gateway.NewResilient(client, breakers, staleCache, m, cfg.Breaker.Enabled)

	signer := token.NewSigner(cfg.Token.KeyClaim)

	server := api.NewServer(cfg, signer, resilient, governor, volume, breakers, staleCache, m)

	// Periodic ledger resets; both stop at shutdown and never block request
	// handling.
	resetCtx, stopResets := context.WithCancel(context.Background())
	go runEvery(resetCtx, time.Duration(cfg.Telemetry.CardinalityResetMinutes)*time.Minute, governor.Reset)
	go runEvery(resetCtx, time.Duration(cfg.Telemetry.VolumeResetMinutes)*time.Minute, volume.Reset)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start() returns as soon as the listener closes; drained is how the
	// cleanup goroutine keeps the process alive until teardown finishes.
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		<-sigChan
		slog.Info("shutdown signal received, draining")

		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()

		// Order matters: stop the listener and drain first, then the
		// timers and caches, so in-flight requests finish normally and
		// the final shutdown events stay observable.
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		stopResets()
		if err := staleCache.Clear(ctx); err != nil {
			slog.Warn("cache clear on shutdown", "error", err)
		}
		if sharedCache != nil {
			sharedCache.Close()
		}
		slog.Info("shutdown complete")
	}()

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	<-drained
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
