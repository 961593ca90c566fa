// Package circuitbreaker implements per-operation circuit breakers with a
// rolling outcome window, protecting the sidecar from a degraded gateway
// admin API.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned for calls rejected without reaching the
// dependency, including half-open calls beyond the single probe.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Counts aggregates outcomes over the rolling window.
type Counts struct {
	Success uint32 `json:"success"`
	Failure uint32 `json:"failure"`
	Timeout uint32 `json:"timeout"`
	Reject  uint32 `json:"reject"`
}

// Total returns the completed calls in the window (rejects excluded; they
// never reached the dependency).
func (c Counts) Total() uint32 {
	return c.Success + c.Failure + c.Timeout
}

// ErrorPercent is the failure+timeout share of completed calls, in percent.
func (c Counts) ErrorPercent() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Failure+c.Timeout) * 100 / float64(total)
}

type outcomeBucket struct {
	start  time.Time
	counts Counts
}

// CircuitBreaker is a single operation's state machine. Every path out of
// Open goes through HalfOpen.
type CircuitBreaker struct {
	policy Policy

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	probeInFlight bool
	buckets       []outcomeBucket

	now           func() time.Time
	onStateChange func(op string, from, to State)

	// benign reports errors that must not count against the breaker,
	// e.g. a clean not-found from the dependency.
	benign func(error) bool
}

type Option func(*CircuitBreaker)

// WithStateChangeHook registers a callback fired on every transition.
func WithStateChangeHook(fn func(op string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// WithBenignErrors marks errors that count as successes in the window.
func WithBenignErrors(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.benign = fn }
}

func withClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func New(policy Policy, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		policy: policy,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.policy.Name }

// Policy returns the breaker's policy. Read-only after construction.
func (cb *CircuitBreaker) Policy() Policy { return cb.policy }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a consistent snapshot of the rolling window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.windowCounts(cb.now())
}

// Do runs fn under the breaker with the policy timeout applied. Rejections
// return ErrCircuitOpen without invoking fn. A deadline overrun counts as a
// timeout outcome; benign errors count as successes.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	probe, err := cb.allow()
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.policy.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.policy.Timeout)
		defer cancel()
	}

	started := cb.now()
	result, err := fn(callCtx)
	elapsed := cb.now().Sub(started)

	switch {
	case err == nil:
		cb.record(probe, outcomeSuccess)
	case cb.benign != nil && cb.benign(err):
		cb.record(probe, outcomeSuccess)
	case errors.Is(err, context.DeadlineExceeded) || (cb.policy.Timeout > 0 && elapsed >= cb.policy.Timeout):
		cb.record(probe, outcomeTimeout)
	default:
		// Cancellation from upstream also lands here and counts as a
		// failure for breaker bookkeeping.
		cb.record(probe, outcomeFailure)
	}
	return result, err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

// allow decides admission and reports whether the admitted call is the
// half-open probe.
func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.policy.ResetTimeout {
			cb.bucket(now).counts.Reject++
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen, now)
		cb.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.bucket(now).counts.Reject++
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, o outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	b := cb.bucket(now)
	switch o {
	case outcomeSuccess:
		b.counts.Success++
	case outcomeFailure:
		b.counts.Failure++
	case outcomeTimeout:
		b.counts.Timeout++
	}

	if cb.state == StateHalfOpen && probe {
		cb.probeInFlight = false
		if o == outcomeSuccess {
			cb.transition(StateClosed, now)
			cb.buckets = nil
		} else {
			cb.transition(StateOpen, now)
			cb.openedAt = now
		}
		return
	}

	if cb.state == StateClosed && o != outcomeSuccess {
		counts := cb.windowCounts(now)
		if counts.Total() >= uint32(cb.policy.VolumeThreshold) &&
			counts.ErrorPercent() >= float64(cb.policy.ErrorThresholdPercent) {
			cb.transition(StateOpen, now)
			cb.openedAt = now
		}
	}
}

// bucket returns the bucket covering now, pruning buckets that fell out of
// the rolling window.
func (cb *CircuitBreaker) bucket(now time.Time) *outcomeBucket {
	bucketDur := cb.policy.RollingWindow / time.Duration(cb.policy.RollingBuckets)
	cutoff := now.Add(-cb.policy.RollingWindow)

	kept := cb.buckets[:0]
	for i := range cb.buckets {
		if cb.buckets[i].start.After(cutoff) {
			kept = append(kept, cb.buckets[i])
		}
	}
	cb.buckets = kept

	if n := len(cb.buckets); n > 0 {
		last := &cb.buckets[n-1]
		if now.Sub(last.start) < bucketDur {
			return last
		}
	}
	cb.buckets = append(cb.buckets, outcomeBucket{start: now})
	return &cb.buckets[len(cb.buckets)-1]
}

func (cb *CircuitBreaker) windowCounts(now time.Time) Counts {
	cutoff := now.Add(-cb.policy.RollingWindow)
	var total Counts
	for i := range cb.buckets {
		if !cb.buckets[i].start.After(cutoff) {
			continue
		}
		c := cb.buckets[i].counts
		total.Success += c.Success
		total.Failure += c.Failure
		total.Timeout += c.Timeout
		total.Reject += c.Reject
	}
	return total
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	slog.Info("circuit breaker state change",
		"operation", cb.policy.Name, "from", from.String(), "to", to.String())
	if cb.onStateChange != nil {
		cb.onStateChange(cb.policy.Name, from, to)
	}
}

// Snapshot is a consistent view of one breaker for inspection endpoints.
type Snapshot struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
	Counts    Counts `json:"counts"`
	OpenedAt  string `json:"opened_at,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		Operation: cb.policy.Name,
		State:     cb.state.String(),
		Counts:    cb.windowCounts(cb.now()),
	}
	if cb.state == StateOpen {
		s.OpenedAt = cb.openedAt.UTC().Format(time.RFC3339)
	}
	return s
}
