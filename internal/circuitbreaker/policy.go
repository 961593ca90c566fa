package circuitbreaker

import (
	"sync"
	"time"

	"github.com/ocx/auth-sidecar/internal/config"
)

// Strategy is the closed set of fallback behaviors applied when a breaker
// refuses a call.
type Strategy string

const (
	FallbackDeny     Strategy = "deny"
	FallbackCache    Strategy = "cache"
	FallbackGraceful Strategy = "graceful_degradation"
)

// Policy is the static per-operation breaker configuration. Read-only after
// construction.
type Policy struct {
	Name                  string
	Timeout               time.Duration
	ErrorThresholdPercent int
	ResetTimeout          time.Duration
	VolumeThreshold       int
	RollingWindow         time.Duration
	RollingBuckets        int
	Fallback              Strategy
}

const (
	defaultRollingWindow   = 10 * time.Second
	defaultRollingBuckets  = 10
	defaultVolumeThreshold = 10
)

// builtinPolicies are the per-operation defaults that ship with the sidecar.
func builtinPolicies() map[string]Policy {
	return map[string]Policy{
		"getConsumerSecret": {
			Name:                  "getConsumerSecret",
			Timeout:               3000 * time.Millisecond,
			ErrorThresholdPercent: 50,
			ResetTimeout:          60 * time.Second,
			VolumeThreshold:       defaultVolumeThreshold,
			RollingWindow:         defaultRollingWindow,
			RollingBuckets:        defaultRollingBuckets,
			Fallback:              FallbackCache,
		},
		"createConsumerSecret": {
			Name:                  "createConsumerSecret",
			Timeout:               5000 * time.Millisecond,
			ErrorThresholdPercent: 30,
			ResetTimeout:          120 * time.Second,
			VolumeThreshold:       defaultVolumeThreshold,
			RollingWindow:         defaultRollingWindow,
			RollingBuckets:        defaultRollingBuckets,
			Fallback:              FallbackDeny,
		},
		"healthCheck": {
			Name:                  "healthCheck",
			Timeout:               1000 * time.Millisecond,
			ErrorThresholdPercent: 75,
			ResetTimeout:          10 * time.Second,
			VolumeThreshold:       defaultVolumeThreshold,
			RollingWindow:         defaultRollingWindow,
			RollingBuckets:        defaultRollingBuckets,
			Fallback:              FallbackGraceful,
		},
	}
}

func defaultPolicy(name string) Policy {
	return Policy{
		Name:                  name,
		Timeout:               3 * time.Second,
		ErrorThresholdPercent: 50,
		ResetTimeout:          60 * time.Second,
		VolumeThreshold:       defaultVolumeThreshold,
		RollingWindow:         defaultRollingWindow,
		RollingBuckets:        defaultRollingBuckets,
		Fallback:              FallbackDeny,
	}
}

// BuildPolicies merges user overrides on top of the built-in defaults.
func BuildPolicies(overrides map[string]config.PolicyOverride) map[string]Policy {
	policies := builtinPolicies()
	for name, ov := range overrides {
		p, ok := policies[name]
		if !ok {
			p = defaultPolicy(name)
		}
		if ov.TimeoutMs > 0 {
			p.Timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
		}
		if ov.ErrorThresholdPercent > 0 {
			p.ErrorThresholdPercent = ov.ErrorThresholdPercent
		}
		if ov.ResetTimeoutMs > 0 {
			p.ResetTimeout = time.Duration(ov.ResetTimeoutMs) * time.Millisecond
		}
		if ov.VolumeThreshold > 0 {
			p.VolumeThreshold = ov.VolumeThreshold
		}
		if ov.Fallback != "" {
			p.Fallback = Strategy(ov.Fallback)
		}
		policies[name] = p
	}
	return policies
}

// Registry holds one breaker per operation, created lazily from the policy
// map. Breaker state lives for the process.
type Registry struct {
	policies map[string]Policy
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(policies map[string]Policy, opts ...Option) *Registry {
	return &Registry{
		policies: policies,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for an operation, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	policy, ok := r.policies[name]
	if !ok {
		policy = defaultPolicy(name)
	}
	cb = New(policy, r.opts...)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns a consistent view of every live breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	live := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		live = append(live, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, cb := range live {
		out = append(out, cb.Snapshot())
	}
	return out
}
