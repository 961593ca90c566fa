package cardinality

import (
	"sync"
	"time"
)

// Volume classes by rolling request count within one reset window.
const (
	VolumeHigh   = "high"
	VolumeMedium = "medium"
	VolumeLow    = "low"
)

const (
	highVolumeThreshold   = 5000
	mediumVolumeThreshold = 100
)

// VolumeStats summarizes the classifier's current window.
type VolumeStats struct {
	High      int       `json:"high"`
	Medium    int       `json:"medium"`
	Low       int       `json:"low"`
	Total     int       `json:"total"`
	LastReset time.Time `json:"last_reset"`
}

// VolumeClassifier buckets consumers into high/medium/low by request count.
// The counts map is unbounded per window; callers tagging metrics must use
// bounded ids from the Governor, or only the bucket name.
type VolumeClassifier struct {
	mu        sync.Mutex
	counts    map[string]int
	lastReset time.Time
}

func NewVolumeClassifier() *VolumeClassifier {
	return &VolumeClassifier{
		counts:    make(map[string]int),
		lastReset: time.Now(),
	}
}

func (v *VolumeClassifier) Increment(id string) {
	if id == "" {
		return
	}
	v.mu.Lock()
	v.counts[id]++
	v.mu.Unlock()
}

// BucketOf classifies id by its count in the current window.
func (v *VolumeClassifier) BucketOf(id string) string {
	v.mu.Lock()
	n := v.counts[id]
	v.mu.Unlock()

	switch {
	case n > highVolumeThreshold:
		return VolumeHigh
	case n > mediumVolumeThreshold:
		return VolumeMedium
	default:
		return VolumeLow
	}
}

// Reset swaps in a fresh counts map.
func (v *VolumeClassifier) Reset() {
	v.mu.Lock()
	v.counts = make(map[string]int)
	v.lastReset = time.Now()
	v.mu.Unlock()
}

func (v *VolumeClassifier) Stats() VolumeStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := VolumeStats{LastReset: v.lastReset}
	for _, n := range v.counts {
		stats.Total += n
		switch {
		case n > highVolumeThreshold:
			stats.High++
		case n > mediumVolumeThreshold:
			stats.Medium++
		default:
			stats.Low++
		}
	}
	return stats
}
