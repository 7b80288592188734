package cluster

import (
	"sort"
	"sync"
	"time"

	"threadwatch/internal/logging"
	"threadwatch/internal/types"
)

// Config tunes the clustering engine. Zero values take the defaults.
type Config struct {
	SimilarityThreshold float64       // assign to best match at or above this
	MergeThreshold      float64       // pairwise merge at or above this
	Alpha               float64       // EMA constant for centroid updates
	TTL                 time.Duration // investigation time-to-live
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.55
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = 0.80
	}
	if c.Alpha == 0 {
		c.Alpha = 0.15
	}
	if c.TTL == 0 {
		c.TTL = 60 * time.Minute
	}
	return c
}

// Engine owns the live cluster set. All mutation happens through its
// methods; readers get snapshots.
type Engine struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	clusters map[string]*Cluster
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		clusters: make(map[string]*Cluster),
	}
}

// Assign routes a new or updated thread into the best-matching cluster,
// or creates a new one when no centroid is similar enough. Returns the
// cluster id and whether a new cluster was created.
func (e *Engine) Assign(t types.Thread, deltaScore, deltaComments int64, embedding []float32) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best *Cluster
	bestSim := -1.0
	for _, c := range e.clusters {
		if sim := Cosine(c.Centroid, embedding); sim > bestSim {
			best = c
			bestSim = sim
		}
	}

	now := e.now()
	if best != nil && bestSim >= e.cfg.SimilarityThreshold {
		best.addUpdate(t, deltaScore, deltaComments, embedding, e.cfg.Alpha, now)
		logging.Get(logging.CategoryCluster).Debugw("thread assigned",
			"cluster", best.ID, "thread", t.ID, "similarity", bestSim)
		return best.ID, false
	}

	c := newCluster(t, embedding, now)
	e.clusters[c.ID] = c
	logging.Get(logging.CategoryCluster).Infow("cluster created",
		"cluster", c.ID, "title", c.InitialTitle)
	return c.ID, true
}

// MergePass absorbs every cluster pair whose centroids are at least
// MergeThreshold similar. The smaller cluster (by thread count) is
// absorbed into the larger; on a tie the one with the older last
// activity survives. Returns the ids removed.
func (e *Engine) MergePass() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Deterministic pair order regardless of map iteration.
	ids := make([]string, 0, len(e.clusters))
	for id := range e.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var removed []string
	for i := 0; i < len(ids); i++ {
		a, ok := e.clusters[ids[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(ids); j++ {
			b, ok := e.clusters[ids[j]]
			if !ok {
				continue
			}
			if Cosine(a.Centroid, b.Centroid) < e.cfg.MergeThreshold {
				continue
			}

			survivor, absorbed := a, b
			if b.ThreadCount > a.ThreadCount ||
				(b.ThreadCount == a.ThreadCount && b.LastActivity.Before(a.LastActivity)) {
				survivor, absorbed = b, a
			}
			survivor.absorb(absorbed)
			delete(e.clusters, absorbed.ID)
			removed = append(removed, absorbed.ID)
			logging.Get(logging.CategoryCluster).Infow("clusters merged",
				"survivor", survivor.ID, "absorbed", absorbed.ID)

			if absorbed == a {
				break // a is gone; move to the next outer id
			}
		}
	}
	return removed
}

// ExpirePass removes stale clusters. Un-reported clusters expire when
// their last activity falls outside the TTL; reported clusters persist
// until their newest headline is older than the TTL as well.
func (e *Engine) ExpirePass() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.TTL)
	var removed []string
	for id, c := range e.clusters {
		if c.LastActivity.After(cutoff) {
			continue
		}
		if c.Reported && c.lastReportAt().After(cutoff) {
			continue
		}
		delete(e.clusters, id)
		removed = append(removed, id)
		logging.Get(logging.CategoryCluster).Infow("cluster expired",
			"cluster", id, "reported", c.Reported)
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a copy of one cluster.
func (e *Engine) Snapshot(id string) (Cluster, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clusters[id]
	if !ok {
		return Cluster{}, false
	}
	return c.snapshot(), true
}

// Snapshots returns copies of every live cluster.
func (e *Engine) Snapshots() []Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Cluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live clusters.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clusters)
}

// MarkReported records an accepted headline and caches the combined
// context used to produce it.
func (e *Engine) MarkReported(id, headline, combinedContext string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clusters[id]
	if !ok {
		return
	}
	c.addHeadline(headline, e.now())
	c.CachedContext = combinedContext
}

// CachedContext returns the cluster's cached report context.
func (e *Engine) CachedContext(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clusters[id]
	if !ok {
		return "", false
	}
	return c.CachedContext, true
}

// FindByThread returns the id of the cluster containing threadID.
func (e *Engine) FindByThread(threadID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, c := range e.clusters {
		if _, ok := c.ActiveThreadIDs[threadID]; ok {
			return id, true
		}
	}
	return "", false
}
