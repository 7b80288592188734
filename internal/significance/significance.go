// Package significance scores investigation clusters. The scorer is a
// pure function over a cluster snapshot so it can be evaluated on every
// monitoring tick without side effects.
package significance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"threadwatch/internal/cluster"
)

// Weights of the score components. Thread count dominates because a
// topic spreading across threads is the strongest organic signal;
// score and comment volume enter logarithmically so a single viral
// thread cannot drown everything else out.
const (
	threadWeight  = 2.0
	scoreWeight   = 1.5
	commentWeight = 1.0
	reportPenalty = 0.5

	recencyBoostMax    = 3.0
	recencyBoostWindow = 10 * time.Minute
	recencyBoostFade   = 60 * time.Minute
)

// Result is a computed significance with its explanation. Reasoning is
// never empty.
type Result struct {
	Score     float64
	Reasoning string
}

// MeetsThreshold reports whether the score crosses t.
func (r Result) MeetsThreshold(t float64) bool {
	return r.Score >= t
}

// Compute scores a cluster snapshot at time now. A freshly seeded
// cluster with no engagement scores zero; every additional thread,
// upvote or comment can only raise the score. Already-reported clusters
// pay a small penalty per headline so follow-ups need fresh momentum.
func Compute(c cluster.Cluster, now time.Time) Result {
	if c.ThreadCount == 0 {
		return Result{Score: 0, Reasoning: "No data"}
	}

	base := threadWeight*float64(c.ThreadCount-1) +
		scoreWeight*math.Log1p(float64(c.TotalScore)) +
		commentWeight*math.Log1p(float64(c.TotalComments))

	boost := recencyBoost(now.Sub(c.LastActivity))
	if c.TotalScore == 0 && c.TotalComments == 0 && c.ThreadCount <= 1 {
		boost = 0 // a seed with no engagement is not momentum
	}

	score := base + boost - reportPenalty*float64(len(c.History))

	return Result{Score: score, Reasoning: reasoning(c, now, boost)}
}

// recencyBoost rewards very recent activity: full boost inside the
// first ten minutes, fading linearly to zero at one hour.
func recencyBoost(sinceActivity time.Duration) float64 {
	if sinceActivity < 0 {
		sinceActivity = 0
	}
	if sinceActivity <= recencyBoostWindow {
		return recencyBoostMax
	}
	if sinceActivity >= recencyBoostFade {
		return 0
	}
	frac := float64(sinceActivity-recencyBoostWindow) / float64(recencyBoostFade-recencyBoostWindow)
	return recencyBoostMax * (1 - frac)
}

func reasoning(c cluster.Cluster, now time.Time, boost float64) string {
	parts := []string{
		fmt.Sprintf("%d thread(s)", c.ThreadCount),
		fmt.Sprintf("%d points", c.TotalScore),
		fmt.Sprintf("%d comments", c.TotalComments),
	}
	if boost > 0 {
		parts = append(parts, fmt.Sprintf("active %s ago", now.Sub(c.LastActivity).Round(time.Minute)))
	}
	if n := len(c.History); n > 0 {
		parts = append(parts, fmt.Sprintf("%d prior report(s)", n))
	}
	return strings.Join(parts, ", ")
}
