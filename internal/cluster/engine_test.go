package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(cfg Config) (*Engine, *time.Time) {
	e := NewEngine(cfg)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	return e, &clock
}

func TestAssignCreatesAndReuses(t *testing.T) {
	e, _ := testEngine(Config{})

	id1, created := e.Assign(testThread("t1", 10, 2), 10, 2, []float32{1, 0})
	assert.True(t, created)
	require.Equal(t, 1, e.Len())

	// Same direction, well above the 0.55 threshold: reuse.
	id2, created := e.Assign(testThread("t2", 5, 1), 5, 1, []float32{0.9, 0.1})
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	// Orthogonal: new cluster.
	id3, created := e.Assign(testThread("t3", 3, 0), 3, 0, []float32{0, 1})
	assert.True(t, created)
	assert.NotEqual(t, id1, id3)
	assert.Equal(t, 2, e.Len())

	snap, ok := e.Snapshot(id1)
	require.True(t, ok)
	assert.Equal(t, 2, snap.ThreadCount)
	assert.Equal(t, len(snap.ActiveThreadIDs), snap.ThreadCount)
	assert.Equal(t, int64(15), snap.TotalScore)
}

func TestMergePassAbsorbsSimilarClusters(t *testing.T) {
	e, _ := testEngine(Config{})

	small, _ := e.Assign(testThread("t1", 10, 2), 10, 2, []float32{1, 0.05})
	big, _ := e.Assign(testThread("t2", 5, 1), 5, 1, []float32{0, 1})
	// Grow the second cluster so it wins the merge.
	e.Assign(testThread("t3", 7, 3), 7, 3, []float32{0, 0.95})

	// Make the two centroids nearly parallel so they exceed 0.80.
	e.mu.Lock()
	e.clusters[small].Centroid = []float32{0.05, 0.99}
	e.mu.Unlock()

	removed := e.MergePass()
	require.Equal(t, []string{small}, removed)
	require.Equal(t, 1, e.Len())

	snap, ok := e.Snapshot(big)
	require.True(t, ok)
	assert.Equal(t, 3, snap.ThreadCount)
	assert.Equal(t, int64(22), snap.TotalScore)
	assert.Equal(t, int64(6), snap.TotalComments)
}

func TestMergePassLeavesDistinctClusters(t *testing.T) {
	e, _ := testEngine(Config{})
	e.Assign(testThread("t1", 1, 0), 1, 0, []float32{1, 0})
	e.Assign(testThread("t2", 1, 0), 1, 0, []float32{0, 1})

	assert.Empty(t, e.MergePass())
	assert.Equal(t, 2, e.Len())
}

func TestExpirePassRemovesStaleClusters(t *testing.T) {
	e, clock := testEngine(Config{TTL: 10 * time.Minute})

	stale, _ := e.Assign(testThread("t1", 1, 0), 1, 0, []float32{1, 0})
	*clock = clock.Add(5 * time.Minute)
	fresh, _ := e.Assign(testThread("t2", 1, 0), 1, 0, []float32{0, 1})

	*clock = clock.Add(6 * time.Minute) // stale is now 11m old, fresh 6m

	removed := e.ExpirePass()
	assert.Equal(t, []string{stale}, removed)
	_, ok := e.Snapshot(fresh)
	assert.True(t, ok)
}

func TestExpirePassKeepsRecentlyReportedClusters(t *testing.T) {
	e, clock := testEngine(Config{TTL: 10 * time.Minute})

	id, _ := e.Assign(testThread("t1", 1, 0), 1, 0, []float32{1, 0})
	*clock = clock.Add(8 * time.Minute)
	e.MarkReported(id, "Silber steigt", "context v1")

	// Activity is 12m stale but the headline is only 4m old.
	*clock = clock.Add(4 * time.Minute)
	assert.Empty(t, e.ExpirePass())

	// Once the headline itself goes stale the cluster expires too.
	*clock = clock.Add(11 * time.Minute)
	assert.Equal(t, []string{id}, e.ExpirePass())
}

func TestMarkReportedCachesContext(t *testing.T) {
	e, _ := testEngine(Config{})
	id, _ := e.Assign(testThread("t1", 1, 0), 1, 0, []float32{1, 0})

	e.MarkReported(id, "Erste Schlagzeile", "combined context")

	ctx, ok := e.CachedContext(id)
	require.True(t, ok)
	assert.Equal(t, "combined context", ctx)

	snap, _ := e.Snapshot(id)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.Reported)

	_, ok = e.CachedContext("missing1")
	assert.False(t, ok)
}

func TestFindByThread(t *testing.T) {
	e, _ := testEngine(Config{})
	id, _ := e.Assign(testThread("t1", 1, 0), 1, 0, []float32{1, 0})

	got, ok := e.FindByThread("t1")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = e.FindByThread("t9")
	assert.False(t, ok)
}
