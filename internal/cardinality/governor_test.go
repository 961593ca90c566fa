package cardinality

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGovernor_EmptyID(t *testing.T) {
	g := NewGovernor(10, 5)
	assert.Equal(t, "unknown", g.Bound(""))
}

func TestGovernor_TrackedUnderLimit(t *testing.T) {
	g := NewGovernor(3, 5)

	assert.Equal(t, "c1", g.Bound("c1"))
	assert.Equal(t, "c2", g.Bound("c2"))
	assert.Equal(t, "c1", g.Bound("c1"), "repeat ids stay themselves")

	stats := g.Stats()
	assert.Equal(t, 2, stats.Tracked)
	assert.False(t, stats.LimitExceeded)
}

func TestGovernor_OverflowHashesNewIDs(t *testing.T) {
	g := NewGovernor(2, 50)

	g.Bound("c1")
	g.Bound("c2")

	got := g.Bound("c3")
	want := fmt.Sprintf("bucket_%03d", djb2("c3")%50)
	assert.Equal(t, want, got)
	assert.Regexp(t, `^bucket_\d{3}$`, got)

	// Already-tracked ids continue to return themselves.
	assert.Equal(t, "c1", g.Bound("c1"))
	assert.True(t, g.Stats().LimitExceeded)
}

func TestGovernor_HashBucketAlwaysBuckets(t *testing.T) {
	g := NewGovernor(100, 50)

	g.Bound("c1")
	assert.Regexp(t, `^bucket_\d{3}$`, g.HashBucket("c1"))
	assert.Equal(t, "unknown", g.HashBucket(""))
}

func TestGovernor_Reset(t *testing.T) {
	g := NewGovernor(1, 5)
	g.Bound("c1")
	g.Bound("c2") // exceeds

	g.Reset()

	stats := g.Stats()
	assert.Equal(t, 0, stats.Tracked)
	assert.False(t, stats.LimitExceeded)

	// Fresh window tracks again.
	assert.Equal(t, "c9", g.Bound("c9"))
}

func TestGovernor_LimitExceededHookFiresPerOverflow(t *testing.T) {
	g := NewGovernor(2, 5)
	hits := 0
	g.OnLimitExceeded(func() { hits++ })

	g.Bound("c1")
	g.Bound("c2")
	assert.Equal(t, 0, hits, "under the limit nothing fires")

	g.Bound("c3")
	g.Bound("c4")
	assert.Equal(t, 2, hits, "each hashed id counts")

	g.Bound("c1")
	assert.Equal(t, 2, hits, "tracked ids never count")
}

func TestGovernor_WarnThresholdFiresOnce(t *testing.T) {
	g := NewGovernor(5, 5)
	warned := 0
	g.OnWarn(func() { warned++ })

	for i := 0; i < 5; i++ {
		g.Bound(fmt.Sprintf("c%d", i))
	}
	assert.Equal(t, 1, warned, "warning fires exactly once per window")
}

func TestDJB2(t *testing.T) {
	// h=5381; h=(h*33)^c per byte.
	var h uint32 = 5381
	for _, c := range []byte("abc") {
		h = (h * 33) ^ uint32(c)
	}
	assert.Equal(t, h, djb2("abc"))
	assert.Equal(t, uint32(5381), djb2(""))
}
