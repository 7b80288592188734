package scraper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"threadwatch/internal/types"
)

// Stub replaces the live scraper in TEST mode. Calls 1 and 2 of each
// scan return empty stats; every 3rd call emits two synthetic threads.
type Stub struct {
	repo  Repo
	calls atomic.Int64
	now   func() time.Time
}

// NewStub creates the synthetic scraper.
func NewStub(repo Repo) *Stub {
	return &Stub{repo: repo, now: time.Now}
}

func (s *Stub) ScanSubreddit(ctx context.Context, board string) (ScrapeStats, error) {
	return s.scan(board)
}

func (s *Stub) ScanSubredditHot(ctx context.Context, board string) (ScrapeStats, error) {
	return s.scan(board)
}

func (s *Stub) UpdateThreadsBatch(ctx context.Context, threadIDs []string) (ScrapeStats, error) {
	return NewScrapeStats(), nil
}

// ScanThreadComments persists three synthetic root comments so the
// dossier path has material in TEST mode.
func (s *Stub) ScanThreadComments(ctx context.Context, threadID string) (int, error) {
	now := s.now().Unix()
	for i := 0; i < 3; i++ {
		s.repo.SaveComment(types.NewComment(
			fmt.Sprintf("%s-c%d", threadID, i), threadID, threadID,
			fmt.Sprintf("testuser%d", i),
			fmt.Sprintf("synthetic comment %d on %s", i, threadID),
			int64(3*(i+1)), now, now, now, nil))
	}
	return 3, nil
}

func (s *Stub) scan(board string) (ScrapeStats, error) {
	stats := NewScrapeStats()
	n := s.calls.Add(1)
	if n%3 != 0 {
		return stats, nil
	}

	now := s.now().Unix()
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("synth-%d-%d", n, i)
		t := types.Thread{
			ID:              id,
			Board:           board,
			Title:           fmt.Sprintf("Synthetic market chatter %d/%d", n, i),
			Author:          fmt.Sprintf("testuser%d", i),
			Text:            "Generated thread body for pipeline testing.",
			CreatedUTC:      now,
			Permalink:       fmt.Sprintf("/r/%s/comments/%s", board, id),
			Score:           int64(10 * (i + 1)),
			UpvoteRatio:     0.9,
			CommentCount:    int64(5 * (i + 1)),
			FetchedAt:       now,
			LastActivityUTC: now,
		}
		s.repo.SaveThread(t)
		stats.Visit(id)
		stats.NewThreads++
		stats.NewUpvotes += t.Score
		stats.NewComments += t.CommentCount
	}
	return stats, nil
}

// FetchThreadContext returns a synthetic context with 10 generated comments.
func (s *Stub) FetchThreadContext(ctx context.Context, permalink string) (types.ThreadAnalysisContext, error) {
	comments := make([]string, 10)
	for i := range comments {
		comments[i] = fmt.Sprintf("testuser%d: synthetic comment %d about %s", i, i, permalink)
	}
	return types.ThreadAnalysisContext{
		Title:    "Synthetic thread " + permalink,
		Selftext: "Synthetic selftext for " + permalink,
		Comments: comments,
	}, nil
}
