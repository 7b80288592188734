// Package cluster maintains the live set of investigation clusters:
// groups of thematically related threads tracked by a centroid vector.
package cluster

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"threadwatch/internal/types"
)

// historyCap bounds the rolling headline history per cluster.
const historyCap = 5

// embeddingTextLimit is how much of a thread's body feeds the embedding.
const embeddingTextLimit = 400

// HistoryEntry is one emitted headline with its timestamp.
type HistoryEntry struct {
	At       time.Time
	Headline string
}

// Format renders the entry the way the report history is shown: the
// headline prefixed with an [HH:MM] stamp.
func (h HistoryEntry) Format() string {
	return "[" + h.At.Format("15:04") + "] " + h.Headline
}

// Cluster is a mutable investigation over a set of related threads.
// Clusters live only in memory and are owned by the passive monitor;
// outside readers get snapshot copies.
type Cluster struct {
	ID              string // stable 8-character opaque id
	InitialTitle    string
	ActiveThreadIDs map[string]struct{}
	BestThreadID    string
	BestThreadScore int64
	ThreadCount     int
	TotalScore      int64
	TotalComments   int64
	Centroid        []float32
	FirstSeen       time.Time
	LastActivity    time.Time
	History         []HistoryEntry // newest first
	Reported        bool
	CachedContext   string
}

// newID returns a stable 8-character opaque cluster id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// newCluster seeds a cluster from the thread that failed to match any
// existing centroid.
func newCluster(t types.Thread, embedding []float32, now time.Time) *Cluster {
	c := &Cluster{
		ID:              newID(),
		InitialTitle:    t.Title,
		ActiveThreadIDs: map[string]struct{}{t.ID: {}},
		BestThreadID:    t.ID,
		BestThreadScore: t.Score,
		ThreadCount:     1,
		Centroid:        append([]float32(nil), embedding...),
		FirstSeen:       now,
		LastActivity:    now,
	}
	if t.Score > 0 {
		c.TotalScore = t.Score
	}
	if t.CommentCount > 0 {
		c.TotalComments = t.CommentCount
	}
	return c
}

// addUpdate folds a new or refreshed thread into the cluster. Negative
// deltas are clamped out of the totals; activity moves only on positive
// deltas. The centroid shifts towards the new embedding by EMA.
func (c *Cluster) addUpdate(t types.Thread, deltaScore, deltaComments int64, embedding []float32, alpha float64, now time.Time) {
	if _, known := c.ActiveThreadIDs[t.ID]; !known {
		c.ActiveThreadIDs[t.ID] = struct{}{}
		c.ThreadCount++
	}
	if deltaScore > 0 {
		c.TotalScore += deltaScore
	}
	if deltaComments > 0 {
		c.TotalComments += deltaComments
	}
	if deltaScore > 0 || deltaComments > 0 {
		c.LastActivity = now
	}
	if t.Score > c.BestThreadScore {
		c.BestThreadID = t.ID
		c.BestThreadScore = t.Score
	}
	c.Centroid = emaShift(c.Centroid, embedding, alpha)
}

// absorb merges other into c. The centroid becomes the size-weighted
// mean; totals sum; the best thread and the latest activity win.
func (c *Cluster) absorb(other *Cluster) {
	c.Centroid = weightedMean(c.Centroid, c.ThreadCount, other.Centroid, other.ThreadCount)

	for id := range other.ActiveThreadIDs {
		c.ActiveThreadIDs[id] = struct{}{}
	}
	c.ThreadCount = len(c.ActiveThreadIDs)
	c.TotalScore += other.TotalScore
	c.TotalComments += other.TotalComments

	if other.LastActivity.After(c.LastActivity) {
		c.LastActivity = other.LastActivity
	}
	if other.FirstSeen.Before(c.FirstSeen) {
		c.FirstSeen = other.FirstSeen
	}
	if other.BestThreadScore > c.BestThreadScore {
		c.BestThreadID = other.BestThreadID
		c.BestThreadScore = other.BestThreadScore
	}
	if other.Reported {
		c.Reported = true
	}
	c.History = mergeHistories(c.History, other.History)
}

// mergeHistories interleaves two newest-first headline histories and
// re-applies the cap, so an absorbed reported cluster keeps its report
// timestamps on the survivor.
func mergeHistories(a, b []HistoryEntry) []HistoryEntry {
	if len(b) == 0 {
		return a
	}
	merged := make([]HistoryEntry, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].At.After(merged[j].At)
	})
	if len(merged) > historyCap {
		merged = merged[:historyCap]
	}
	return merged
}

// addHeadline prepends a headline to the rolling history, marks the
// cluster reported and caps the history.
func (c *Cluster) addHeadline(headline string, now time.Time) {
	c.History = append([]HistoryEntry{{At: now, Headline: headline}}, c.History...)
	if len(c.History) > historyCap {
		c.History = c.History[:historyCap]
	}
	c.Reported = true
}

// lastReportAt returns the newest headline timestamp, or the zero time.
func (c *Cluster) lastReportAt() time.Time {
	if len(c.History) == 0 {
		return time.Time{}
	}
	return c.History[0].At
}

// snapshot returns an independent copy for outside readers.
func (c *Cluster) snapshot() Cluster {
	out := *c
	out.ActiveThreadIDs = make(map[string]struct{}, len(c.ActiveThreadIDs))
	for id := range c.ActiveThreadIDs {
		out.ActiveThreadIDs[id] = struct{}{}
	}
	out.Centroid = append([]float32(nil), c.Centroid...)
	out.History = append([]HistoryEntry(nil), c.History...)
	return out
}

// EmbeddingText builds the text a thread is embedded from: the title
// plus the first 400 bytes of the body, cut back to a rune boundary so
// the embedding endpoint never sees a torn multi-byte character.
func EmbeddingText(t types.Thread) string {
	text := t.Text
	if len(text) > embeddingTextLimit {
		cut := embeddingTextLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		return t.Title
	}
	return t.Title + " " + text
}
