package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ocx/auth-sidecar/internal/cache"
	"github.com/ocx/auth-sidecar/internal/circuitbreaker"
	"github.com/ocx/auth-sidecar/internal/core"
	"github.com/ocx/auth-sidecar/internal/metrics"
)

// SecretFetcher is the capability the resilience layer needs from the admin
// client. Narrow by design so tests can substitute it.
type SecretFetcher interface {
	GetConsumerSecret(ctx context.Context, consumerID string) (*core.ConsumerSecret, error)
	HealthCheck(ctx context.Context) (*core.GatewayHealth, error)
}

// DegradedStatus is the fixed descriptor returned by graceful degradation
// for operations without a dedicated degraded shape.
type DegradedStatus struct {
	Status    string    `json:"status"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Resilient wraps admin API calls with per-operation circuit breakers, the
// stale cache, consumer-identity pollution checks, and the per-operation
// fallback strategy.
type Resilient struct {
	fetcher  SecretFetcher
	breakers *circuitbreaker.Registry
	cache    cache.StaleCache
	metrics  *metrics.Metrics
	enabled  bool
}

func NewResilient(fetcher SecretFetcher, breakers *circuitbreaker.Registry, staleCache cache.StaleCache, m *metrics.Metrics, enabled bool) *Resilient {
	return &Resilient{
		fetcher:  fetcher,
		breakers: breakers,
		cache:    staleCache,
		metrics:  m,
		enabled:  enabled,
	}
}

// Benign reports the errors that must not count against a breaker.
func Benign(err error) bool {
	return errors.Is(err, ErrConsumerNotFound)
}

// GetConsumerSecret is the consumer-specialized entry point. Returns:
//   - the secret on success (live or validated cache fallback),
//   - ErrConsumerNotFound on a clean null, a polluted result, or a
//     cache-strategy fallback miss,
//   - ErrGatewayUnavailable on transport failure or a denied fallback.
func (r *Resilient) GetConsumerSecret(ctx context.Context, consumerID string) (*core.ConsumerSecret, error) {
	return r.WrapConsumerOperation(ctx, "getConsumerSecret", consumerID, func(ctx context.Context) (*core.ConsumerSecret, error) {
		return r.fetcher.GetConsumerSecret(ctx, consumerID)
	})
}

// WrapConsumerOperation runs fn under the operation's breaker with the
// anti-pollution invariant enforced on every read and write.
func (r *Resilient) WrapConsumerOperation(ctx context.Context, op, consumerID string, fn func(context.Context) (*core.ConsumerSecret, error)) (*core.ConsumerSecret, error) {
	if !r.enabled {
		secret, err := fn(ctx)
		if err != nil {
			return nil, r.classify(err)
		}
		if secret == nil {
			return nil, ErrConsumerNotFound
		}
		if secret.Consumer.ID != consumerID {
			r.recordPollution(op, consumerID, secret.Consumer.ID, "live")
			return nil, ErrConsumerNotFound
		}
		return secret, nil
	}

	key := cache.Key(consumerID)
	breaker := r.breakers.Get(op)

	result, err := breaker.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})

	if err == nil {
		secret, _ := result.(*core.ConsumerSecret)
		if secret == nil {
			return nil, ErrConsumerNotFound
		}
		if secret.Consumer.ID != consumerID {
			r.recordPollution(op, consumerID, secret.Consumer.ID, "live")
			return nil, ErrConsumerNotFound
		}
		if cerr := r.cache.Put(ctx, key, secret); cerr != nil {
			slog.Warn("stale cache write failed", "key", key, "error", cerr)
			r.metrics.RecordCacheOp("put", "error")
		} else {
			r.metrics.RecordCacheOp("put", "ok")
		}
		return secret, nil
	}

	if errors.Is(err, ErrConsumerNotFound) {
		// A clean null invalidates any stale positive for this consumer.
		if cerr := r.cache.Delete(ctx, key); cerr != nil {
			slog.Warn("stale cache delete failed", "key", key, "error", cerr)
		}
		return nil, ErrConsumerNotFound
	}

	if breaker.State() != circuitbreaker.StateOpen {
		return nil, r.classify(err)
	}

	strategy := breaker.Policy().Fallback
	r.metrics.RecordFallback(op, string(strategy))

	switch strategy {
	case circuitbreaker.FallbackDeny:
		slog.Warn("breaker open, fallback denied", "operation", op, "consumer_id", consumerID)
		return nil, ErrGatewayUnavailable

	case circuitbreaker.FallbackGraceful:
		// For consumer operations this is deny without the stigma.
		return nil, ErrGatewayUnavailable

	case circuitbreaker.FallbackCache:
		cached, cerr := r.cache.GetStale(ctx, key)
		if cerr != nil {
			slog.Warn("stale cache read failed, treating as miss", "key", key, "error", cerr)
			r.metrics.RecordCacheOp("get", "error")
			return nil, ErrConsumerNotFound
		}
		if cached == nil {
			r.metrics.RecordCacheOp("get", "miss")
			return nil, ErrConsumerNotFound
		}
		if cached.Consumer.ID != consumerID {
			r.recordPollution(op, consumerID, cached.Consumer.ID, "cache")
			r.metrics.RecordCacheOp("get", "polluted")
			if derr := r.cache.Delete(ctx, key); derr != nil {
				slog.Warn("polluted entry eviction failed", "key", key, "error", derr)
			}
			return nil, ErrConsumerNotFound
		}
		r.metrics.RecordCacheOp("get", "hit")
		slog.Info("serving stale consumer secret from cache",
			"operation", op, "consumer_id", consumerID)
		return cached, nil
	}

	return nil, ErrGatewayUnavailable
}

// WrapOperation is the general form for non-consumer operations. The
// fallbackValue, when non-nil, is served by the cache strategy; graceful
// degradation returns a typed degraded descriptor.
func (r *Resilient) WrapOperation(ctx context.Context, op string, fn func(context.Context) (interface{}, error), fallbackValue interface{}) (interface{}, error) {
	if !r.enabled {
		return fn(ctx)
	}

	breaker := r.breakers.Get(op)
	result, err := breaker.Do(ctx, fn)
	if err == nil {
		return result, nil
	}

	if breaker.State() != circuitbreaker.StateOpen {
		return nil, err
	}

	strategy := breaker.Policy().Fallback
	r.metrics.RecordFallback(op, string(strategy))

	switch strategy {
	case circuitbreaker.FallbackDeny:
		return nil, ErrGatewayUnavailable

	case circuitbreaker.FallbackCache:
		if fallbackValue != nil {
			return fallbackValue, nil
		}
		return nil, ErrGatewayUnavailable

	case circuitbreaker.FallbackGraceful:
		return degradedValue(op), nil
	}

	return nil, ErrGatewayUnavailable
}

// HealthCheck probes the gateway through the healthCheck breaker; while the
// breaker is open it degrades to an unhealthy descriptor instead of erroring.
func (r *Resilient) HealthCheck(ctx context.Context) *core.GatewayHealth {
	result, err := r.WrapOperation(ctx, "healthCheck", func(ctx context.Context) (interface{}, error) {
		return r.fetcher.HealthCheck(ctx)
	}, nil)
	if err != nil {
		return &core.GatewayHealth{Healthy: false, Error: err.Error()}
	}
	if h, ok := result.(*core.GatewayHealth); ok {
		return h
	}
	return &core.GatewayHealth{Healthy: false, Error: "unexpected health result"}
}

// degradedValue returns the contractual degraded shapes.
func degradedValue(op string) interface{} {
	if op == "healthCheck" {
		return &core.GatewayHealth{Healthy: false, ResponseTimeMs: 0, Error: "circuit open"}
	}
	return &DegradedStatus{Status: "degraded", Operation: op, Timestamp: time.Now()}
}

func (r *Resilient) classify(err error) error {
	if errors.Is(err, ErrConsumerNotFound) {
		return ErrConsumerNotFound
	}
	// Breaker rejections, transport failures, timeouts and cancellations
	// all surface as unavailability.
	return errors.Join(ErrGatewayUnavailable, err)
}

func (r *Resilient) recordPollution(op, wantID, gotID, source string) {
	r.metrics.PollutionEvents.Inc()
	slog.Error("consumer secret pollution detected",
		"operation", op, "source", source,
		"requested_consumer", wantID, "returned_consumer", gotID)
}
