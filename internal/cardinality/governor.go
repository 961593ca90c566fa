// Package cardinality keeps per-consumer metric attributes bounded under an
// unbounded consumer population, and classifies consumers by request volume.
package cardinality

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const unknownAttribute = "unknown"

// GovernorStats is a point-in-time snapshot of the ledger.
type GovernorStats struct {
	Tracked       int       `json:"tracked"`
	MaxUnique     int       `json:"max_unique"`
	HashBuckets   int       `json:"hash_buckets"`
	LimitExceeded bool      `json:"limit_exceeded"`
	LastReset     time.Time `json:"last_reset"`
}

// Governor maps consumer ids to bounded metric attributes: the id itself
// while under maxUnique tracked ids, a djb2 hash bucket afterwards.
type Governor struct {
	mu            sync.Mutex
	tracked       map[string]struct{}
	maxUnique     int
	hashBuckets   int
	limitExceeded bool
	warned        bool
	lastReset     time.Time

	onWarn          func() // fired once per window when the warning threshold is crossed
	onLimitExceeded func() // fired per overflowed id once the limit is hit
}

func NewGovernor(maxUnique, hashBuckets int) *Governor {
	return &Governor{
		tracked:     make(map[string]struct{}),
		maxUnique:   maxUnique,
		hashBuckets: hashBuckets,
		lastReset:   time.Now(),
	}
}

// OnWarn registers a callback fired the first time the tracked set crosses
// 80% of maxUnique within a reset window.
func (g *Governor) OnWarn(fn func()) {
	g.mu.Lock()
	g.onWarn = fn
	g.mu.Unlock()
}

// OnLimitExceeded registers a callback fired for every new id mapped to a
// hash bucket after the tracking limit is reached.
func (g *Governor) OnLimitExceeded(fn func()) {
	g.mu.Lock()
	g.onLimitExceeded = fn
	g.mu.Unlock()
}

// Bound returns the metric attribute for id. Already-tracked ids keep
// returning themselves even after the limit is exceeded.
func (g *Governor) Bound(id string) string {
	if id == "" {
		return unknownAttribute
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tracked[id]; ok {
		return id
	}
	if len(g.tracked) < g.maxUnique {
		g.tracked[id] = struct{}{}
		if !g.warned && len(g.tracked)*5 >= g.maxUnique*4 {
			g.warned = true
			if g.onWarn != nil {
				g.onWarn()
			}
			slog.Warn("consumer cardinality approaching limit",
				"tracked", len(g.tracked), "max_unique", g.maxUnique)
		}
		return id
	}

	if !g.limitExceeded {
		g.limitExceeded = true
		slog.Warn("consumer cardinality limit exceeded, hashing new consumers",
			"max_unique", g.maxUnique, "hash_buckets", g.hashBuckets)
	}
	if g.onLimitExceeded != nil {
		g.onLimitExceeded()
	}
	return bucketName(id, g.hashBuckets)
}

// HashBucket always returns the hash-bucket form, regardless of ledger state.
func (g *Governor) HashBucket(id string) string {
	if id == "" {
		return unknownAttribute
	}
	return bucketName(id, g.hashBuckets)
}

// Reset clears the tracked set. Observers see either the pre- or post-reset
// ledger, never a torn view.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.tracked = make(map[string]struct{})
	g.limitExceeded = false
	g.warned = false
	g.lastReset = time.Now()
	g.mu.Unlock()
}

func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GovernorStats{
		Tracked:       len(g.tracked),
		MaxUnique:     g.maxUnique,
		HashBuckets:   g.hashBuckets,
		LimitExceeded: g.limitExceeded,
		LastReset:     g.lastReset,
	}
}

func bucketName(id string, buckets int) string {
	return fmt.Sprintf("bucket_%03d", djb2(id)%uint32(buckets))
}

// djb2 (xor variant): h=5381; h = (h*33) XOR c for each byte.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = (h * 33) ^ uint32(s[i])
	}
	return h
}
