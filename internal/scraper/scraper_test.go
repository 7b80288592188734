package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"threadwatch/internal/types"
)

type memRepo struct {
	mu       sync.Mutex
	threads  map[string]types.Thread
	comments map[string]types.Comment
}

func newMemRepo() *memRepo {
	return &memRepo{
		threads:  make(map[string]types.Thread),
		comments: make(map[string]types.Comment),
	}
}

func (m *memRepo) GetThread(id string) (types.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return types.Thread{}, fmt.Errorf("not found")
	}
	return t, nil
}

func (m *memRepo) SaveThread(t types.Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = t
}

func (m *memRepo) SaveThreadsBatch(threads []types.Thread) {
	for _, t := range threads {
		m.SaveThread(t)
	}
}

func (m *memRepo) SaveComment(c types.Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[c.ID] = c
}

const listingJSON = `{
	"data": {
		"children": [
			{"data": {"id": "aaa", "subreddit": "wallstreetbetsGER",
				"title": "Gold &amp; Silber Thread", "author": "hodler",
				"selftext": "Die These", "created_utc": 1700000000,
				"permalink": "/r/wallstreetbetsGER/comments/aaa/",
				"score": 42, "upvote_ratio": 0.91, "num_comments": 7,
				"url": "https://i.redd.it/chart.png?width=640"}},
			{"data": {"id": "bbb", "subreddit": "wallstreetbetsGER",
				"title": "Deleted author post", "author": "[deleted]",
				"selftext": "", "created_utc": 1700000100,
				"permalink": "/r/wallstreetbetsGER/comments/bbb/",
				"score": 5, "upvote_ratio": 0.5, "num_comments": 1,
				"url": "https://reddit.com"}}
		]
	}
}`

func newTestScraper(t *testing.T, handler http.HandlerFunc) (*Reddit, *memRepo) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	repo := newMemRepo()
	s := NewReddit(repo)
	s.baseURL = srv.URL
	return s, repo
}

func TestScanSubredditNormalizesAndCounts(t *testing.T) {
	s, repo := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/r/wallstreetbetsGER/new.json")
		fmt.Fprint(w, listingJSON)
	})

	stats, err := s.ScanSubreddit(context.Background(), "wallstreetbetsGER")
	require.NoError(t, err)

	// The [deleted] post is dropped by author validation.
	assert.Equal(t, int64(1), stats.NewThreads)
	assert.Equal(t, int64(42), stats.NewUpvotes)
	assert.Equal(t, int64(7), stats.NewComments)
	assert.Contains(t, stats.Visited, "aaa")
	assert.True(t, stats.HasUpdates())

	got, err := repo.GetThread("aaa")
	require.NoError(t, err)
	assert.Equal(t, "Gold & Silber Thread", got.Title)
	assert.Equal(t, "/r/wallstreetbetsGER/comments/aaa", got.Permalink)
	assert.Equal(t, "https://i.redd.it/chart.png?width=640", got.ImageURL)
}

func TestScanComputesDeltasAgainstStoredSnapshot(t *testing.T) {
	s, repo := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingJSON)
	})
	repo.SaveThread(types.Thread{ID: "aaa", Score: 40, CommentCount: 4})

	stats, err := s.ScanSubreddit(context.Background(), "wallstreetbetsGER")
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats.NewThreads)
	assert.Equal(t, int64(2), stats.NewUpvotes)
	assert.Equal(t, int64(3), stats.NewComments)
}

func TestScanEmptyBoardReturnsEmptyStats(t *testing.T) {
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty board")
	})
	stats, err := s.ScanSubreddit(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, stats.HasUpdates())
}

func TestUpdateThreadsBatchEmptyInput(t *testing.T) {
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty batch")
	})
	stats, err := s.UpdateThreadsBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, stats.HasUpdates())
}

const threadPageJSON = `[
	{"data": {"children": [{"data": {"id": "aaa", "title": "Silber", "author": "hodler"}}]}},
	{"data": {"children": [
		{"data": {"id": "c1", "author": "alice", "body": "Chart: https://i.imgur.com/xyz.png!",
			"parent_id": "t3_aaa", "score": 11, "created_utc": 1700000200,
			"replies": {"data": {"children": [
				{"data": {"id": "c2", "author": "bob", "body": "sehe ich auch so",
					"parent_id": "t1_c1", "score": 3, "created_utc": 1700000300, "replies": ""}}
			]}}}},
		{"data": {"id": "c3", "author": "[deleted]", "body": "weg", "parent_id": "t3_aaa", "replies": ""}}
	]}}
]`

func TestScanThreadCommentsPersistsForest(t *testing.T) {
	s, repo := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/r/wallstreetbetsGER/comments/aaa.json")
		fmt.Fprint(w, threadPageJSON)
	})
	repo.SaveThread(types.Thread{ID: "aaa", Permalink: "/r/wallstreetbetsGER/comments/aaa"})

	n, err := s.ScanThreadComments(context.Background(), "aaa")
	require.NoError(t, err)

	// The nested reply is saved too, the [deleted] comment is not.
	assert.Equal(t, 2, n)
	require.Len(t, repo.comments, 2)

	c1 := repo.comments["c1"]
	assert.Equal(t, "aaa", c1.ThreadID)
	assert.Equal(t, "aaa", c1.ParentID, "t3_ prefix strips to the thread id")
	assert.Equal(t, int64(11), c1.Score)
	assert.Equal(t, int64(1700000200), c1.CreatedUTC)
	assert.Equal(t, []string{"https://i.imgur.com/xyz.png"}, c1.ImageURLs)

	c2 := repo.comments["c2"]
	assert.Equal(t, "c1", c2.ParentID)
	assert.Empty(t, c2.ImageURLs)
}

func TestScanThreadCommentsUnknownThread(t *testing.T) {
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an unknown thread")
	})
	_, err := s.ScanThreadComments(context.Background(), "nope")
	assert.Error(t, err)
}

func TestGetRetriesTransientErrors(t *testing.T) {
	var calls int
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, listingJSON)
	})

	stats, err := s.ScanSubreddit(context.Background(), "wallstreetbetsGER")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, stats.HasUpdates())
}

func TestGetRetriesConsumeRateTokens(t *testing.T) {
	var calls int
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	// Two tokens and no refill: the third attempt must block on the
	// bucket instead of hitting the server again.
	u, err := url.Parse(s.baseURL)
	require.NoError(t, err)
	s.mu.Lock()
	s.limiters[u.Host] = rate.NewLimiter(rate.Every(time.Hour), 2)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = s.ScanSubreddit(ctx, "wallstreetbetsGER")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.ScanSubreddit(context.Background(), "wallstreetbetsGER")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchThreadContext(t *testing.T) {
	page := `[
		{"data": {"children": [{"data": {
			"title": "Silber &amp; Gold", "selftext": "Meine These",
			"url": "https://i.redd.it/x.png",
			"author": "hodler", "id": "aaa"}}]}},
		{"data": {"children": [
			{"data": {"author": "alice", "body": "Kauf&#39;s"}},
			{"data": {"author": "[deleted]", "body": "weg"}},
			{"data": {"author": "bob", "body": "sehe ich auch so"}}
		]}}
	]`
	s, _ := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/r/wsb/comments/aaa.json")
		fmt.Fprint(w, page)
	})

	got, err := s.FetchThreadContext(context.Background(), "r/wsb/comments/aaa/")
	require.NoError(t, err)
	assert.Equal(t, "Silber & Gold", got.Title)
	assert.Equal(t, "Meine These", got.Selftext)
	assert.Equal(t, "https://i.redd.it/x.png", got.ImageURL)
	assert.Equal(t, []string{"alice: Kauf's", "bob: sehe ich auch so"}, got.Comments)
}

func TestStubEmitsEveryThirdCall(t *testing.T) {
	repo := newMemRepo()
	stub := NewStub(repo)
	ctx := context.Background()

	for call := 1; call <= 6; call++ {
		stats, err := stub.ScanSubreddit(ctx, "testboard")
		require.NoError(t, err)
		if call%3 == 0 {
			assert.Equal(t, int64(2), stats.NewThreads, "call %d", call)
			assert.True(t, stats.HasUpdates())
		} else {
			assert.False(t, stats.HasUpdates(), "call %d", call)
		}
	}
	assert.Len(t, repo.threads, 4)
}

func TestStubContextHasTenComments(t *testing.T) {
	stub := NewStub(newMemRepo())
	got, err := stub.FetchThreadContext(context.Background(), "/r/testboard/comments/x")
	require.NoError(t, err)
	assert.Len(t, got.Comments, 10)
	assert.NotEmpty(t, got.Title)
}

func TestStubScanThreadCommentsSeedsRepo(t *testing.T) {
	repo := newMemRepo()
	stub := NewStub(repo)

	n, err := stub.ScanThreadComments(context.Background(), "x1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, repo.comments, 3)
	for _, c := range repo.comments {
		assert.Equal(t, "x1", c.ThreadID)
		assert.Equal(t, "x1", c.ParentID)
	}
}
