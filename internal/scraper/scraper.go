package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"threadwatch/internal/logging"
	"threadwatch/internal/types"
)

// Scraper pulls new and updated threads from a board source.
type Scraper interface {
	ScanSubreddit(ctx context.Context, board string) (ScrapeStats, error)
	ScanSubredditHot(ctx context.Context, board string) (ScrapeStats, error)
	UpdateThreadsBatch(ctx context.Context, threadIDs []string) (ScrapeStats, error)
	ScanThreadComments(ctx context.Context, threadID string) (int, error)
	FetchThreadContext(ctx context.Context, permalink string) (types.ThreadAnalysisContext, error)
}

// Repo is the repository surface the scraper writes through. The scraper
// holds a repository handle; the repository never calls back.
type Repo interface {
	GetThread(id string) (types.Thread, error)
	SaveThread(t types.Thread)
	SaveThreadsBatch(threads []types.Thread)
	SaveComment(c types.Comment)
}

const (
	redditBase      = "https://www.reddit.com"
	userAgent       = "threadwatch/1.0 (passive board monitor)"
	requestTimeout  = 30 * time.Second
	maxRetries      = 3
	contextComments = 20
)

// Reddit is the live scraper over reddit's public JSON listings.
type Reddit struct {
	repo    Repo
	client  *http.Client
	baseURL string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewReddit creates a live scraper writing through repo.
func NewReddit(repo Repo) *Reddit {
	return &Reddit{
		repo:     repo,
		client:   &http.Client{Timeout: requestTimeout},
		baseURL:  redditBase,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the token bucket for a host: 1 request/sec, burst 2.
func (r *Reddit) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 2)
		r.limiters[host] = l
	}
	return l
}

// ScanSubreddit polls the board's new listing.
func (r *Reddit) ScanSubreddit(ctx context.Context, board string) (ScrapeStats, error) {
	return r.scanListing(ctx, board, "new")
}

// ScanSubredditHot polls the board's hot listing.
func (r *Reddit) ScanSubredditHot(ctx context.Context, board string) (ScrapeStats, error) {
	return r.scanListing(ctx, board, "hot")
}

func (r *Reddit) scanListing(ctx context.Context, board, listing string) (ScrapeStats, error) {
	stats := NewScrapeStats()
	if board == "" {
		return stats, nil
	}

	endpoint := fmt.Sprintf("%s/r/%s/%s.json?limit=50", r.baseURL, url.PathEscape(board), listing)
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch %s/%s: %w", board, listing, err)
	}

	var payload listingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return stats, fmt.Errorf("malformed listing for %s: %w", board, err)
	}

	log := logging.Get(logging.CategoryScraper)
	var threads []types.Thread
	for _, child := range payload.Data.Children {
		t, ok := child.Data.toThread(board)
		if !ok {
			log.Debugw("skipping item", "board", board, "id", child.Data.ID)
			continue
		}
		stats = r.accumulate(stats, t)
		threads = append(threads, t)
	}
	r.repo.SaveThreadsBatch(threads)

	log.Infow("scanned board", "board", board, "listing", listing,
		"new_threads", stats.NewThreads, "new_upvotes", stats.NewUpvotes,
		"new_comments", stats.NewComments)
	return stats, nil
}

// UpdateThreadsBatch refreshes known threads via the info endpoint.
// Nil or empty input returns empty stats.
func (r *Reddit) UpdateThreadsBatch(ctx context.Context, threadIDs []string) (ScrapeStats, error) {
	stats := NewScrapeStats()
	if len(threadIDs) == 0 {
		return stats, nil
	}

	fullnames := make([]string, 0, len(threadIDs))
	for _, id := range threadIDs {
		if id == "" {
			continue
		}
		fullnames = append(fullnames, "t3_"+id)
	}
	if len(fullnames) == 0 {
		return stats, nil
	}

	endpoint := fmt.Sprintf("%s/api/info.json?id=%s", r.baseURL,
		url.QueryEscape(strings.Join(fullnames, ",")))
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return stats, fmt.Errorf("failed to refresh threads: %w", err)
	}

	var payload listingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return stats, fmt.Errorf("malformed info payload: %w", err)
	}

	var threads []types.Thread
	for _, child := range payload.Data.Children {
		t, ok := child.Data.toThread(child.Data.Subreddit)
		if !ok {
			continue
		}
		stats = r.accumulate(stats, t)
		threads = append(threads, t)
	}
	r.repo.SaveThreadsBatch(threads)
	return stats, nil
}

// accumulate folds a fresh snapshot into the cycle stats, diffing against
// the previously stored snapshot when one exists.
func (r *Reddit) accumulate(stats ScrapeStats, t types.Thread) ScrapeStats {
	stats.Visit(t.ID)
	prev, err := r.repo.GetThread(t.ID)
	if err != nil {
		stats.NewThreads++
		if t.Score > 0 {
			stats.NewUpvotes += t.Score
		}
		if t.CommentCount > 0 {
			stats.NewComments += t.CommentCount
		}
		return stats
	}
	if d := t.Score - prev.Score; d > 0 {
		stats.NewUpvotes += d
	}
	if d := t.CommentCount - prev.CommentCount; d > 0 {
		stats.NewComments += d
	}
	return stats
}

// FetchThreadContext loads the thread page (post + comment forest) and
// flattens it into the analysis context handed to the LLM.
func (r *Reddit) FetchThreadContext(ctx context.Context, permalink string) (types.ThreadAnalysisContext, error) {
	var out types.ThreadAnalysisContext
	if permalink == "" {
		return out, fmt.Errorf("empty permalink")
	}

	endpoint := r.baseURL + normalizePermalink(permalink) + ".json?limit=50"
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return out, fmt.Errorf("failed to fetch thread context: %w", err)
	}

	// The thread page is a two-element array: [post listing, comment listing].
	var listings []listingPayload
	if err := json.Unmarshal(body, &listings); err != nil {
		return out, fmt.Errorf("malformed thread page: %w", err)
	}
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return out, fmt.Errorf("thread page has no post data")
	}

	post := listings[0].Data.Children[0].Data
	out.Title = unescapeHTML(post.Title)
	out.Selftext = unescapeHTML(post.Selftext)
	if out.Selftext == "" {
		out.Selftext = flattenHTML(post.SelftextHTML)
	}
	if u := stripTrailingPunct(post.URL); isImageURL(u) {
		out.ImageURL = u
	}

	out.Comments = []string{}
	if len(listings) > 1 {
		for _, child := range listings[1].Data.Children {
			c := child.Data
			if !isValidAuthor(c.Author) || c.Body == "" {
				continue
			}
			out.Comments = append(out.Comments,
				fmt.Sprintf("%s: %s", c.Author, unescapeHTML(c.Body)))
			if len(out.Comments) >= contextComments {
				break
			}
		}
	}
	return out, nil
}

// ScanThreadComments fetches the thread page and persists its comment
// forest, nested replies included, through the repository. It returns
// the number of comments saved.
func (r *Reddit) ScanThreadComments(ctx context.Context, threadID string) (int, error) {
	if threadID == "" {
		return 0, fmt.Errorf("empty thread id")
	}
	t, err := r.repo.GetThread(threadID)
	if err != nil {
		return 0, fmt.Errorf("unknown thread %s: %w", threadID, err)
	}
	if t.Permalink == "" {
		return 0, fmt.Errorf("thread %s has no permalink", threadID)
	}

	endpoint := r.baseURL + normalizePermalink(t.Permalink) + ".json?limit=100"
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch comments for %s: %w", threadID, err)
	}

	var listings []listingPayload
	if err := json.Unmarshal(body, &listings); err != nil {
		return 0, fmt.Errorf("malformed thread page: %w", err)
	}
	if len(listings) < 2 {
		return 0, nil
	}

	saved := r.saveCommentForest(threadID, listings[1].Data.Children)
	logging.Get(logging.CategoryScraper).Debugw("persisted comment forest",
		"thread", threadID, "comments", saved)
	return saved, nil
}

// saveCommentForest walks the nested comment listing depth-first and
// writes every valid comment through the repository.
func (r *Reddit) saveCommentForest(threadID string, children []listingChild) int {
	fetchedAt := time.Now().Unix()
	saved := 0
	var walk func([]listingChild)
	walk = func(children []listingChild) {
		for _, child := range children {
			if c, ok := child.Data.toComment(threadID, fetchedAt); ok {
				r.repo.SaveComment(c)
				saved++
			}
			if len(child.Data.Replies) == 0 {
				continue
			}
			// Leaf comments carry `"replies": ""`; only objects nest.
			var nested listingPayload
			if err := json.Unmarshal(child.Data.Replies, &nested); err == nil {
				walk(nested.Data.Children)
			}
		}
	}
	walk(children)
	return saved
}

// get performs a rate-limited GET with bounded exponential backoff.
// Permanent HTTP errors (4xx other than 429) are not retried.
func (r *Reddit) get(ctx context.Context, endpoint string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad url %s: %w", endpoint, err)
	}
	var body []byte
	operation := func() error {
		// Every attempt pays for a token, retries included.
		if err := r.limiter(u.Host).Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := r.client.Do(req)
		if err != nil {
			return err // transient: retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("transient status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// ---- reddit JSON payloads ----

type listingChild struct {
	Data redditItem `json:"data"`
}

type listingPayload struct {
	Data struct {
		Children []listingChild `json:"children"`
	} `json:"data"`
}

type redditItem struct {
	ID           string          `json:"id"`
	Subreddit    string          `json:"subreddit"`
	Title        string          `json:"title"`
	Author       string          `json:"author"`
	Selftext     string          `json:"selftext"`
	SelftextHTML string          `json:"selftext_html"`
	Body         string          `json:"body"`      // comments only
	ParentID     string          `json:"parent_id"` // comments only, fullname form
	Replies      json.RawMessage `json:"replies"`   // comments only, "" or nested listing
	CreatedUTC   float64         `json:"created_utc"`
	Permalink    string          `json:"permalink"`
	Score        int64           `json:"score"`
	UpvoteRatio  float64         `json:"upvote_ratio"`
	NumComments  int64           `json:"num_comments"`
	URL          string          `json:"url"`
}

// toThread normalizes a listing item into a Thread snapshot. Items with
// no id, no title or a placeholder author are dropped.
func (it redditItem) toThread(board string) (types.Thread, bool) {
	if it.ID == "" || it.Title == "" || !isValidAuthor(it.Author) {
		return types.Thread{}, false
	}
	t := types.Thread{
		ID:           it.ID,
		Board:        board,
		Title:        unescapeHTML(it.Title),
		Author:       it.Author,
		Text:         unescapeHTML(it.Selftext),
		CreatedUTC:   int64(it.CreatedUTC),
		Permalink:    normalizePermalink(it.Permalink),
		Score:        it.Score,
		UpvoteRatio:  it.UpvoteRatio,
		CommentCount: it.NumComments,
		FetchedAt:    time.Now().Unix(),
	}
	if t.Text == "" && it.SelftextHTML != "" {
		t.Text = flattenHTML(it.SelftextHTML)
	}
	if u := stripTrailingPunct(it.URL); isImageURL(u) {
		t.ImageURL = u
	}
	return t, true
}

// toComment normalizes a comment-listing item. Placeholder authors,
// empty bodies and "more" stubs are dropped. The fullname prefix on
// parent_id is stripped, so a top-level comment points at the thread.
func (it redditItem) toComment(threadID string, fetchedAt int64) (types.Comment, bool) {
	if it.ID == "" || !isValidAuthor(it.Author) || it.Body == "" {
		return types.Comment{}, false
	}
	body := unescapeHTML(it.Body)
	parent := strings.TrimPrefix(strings.TrimPrefix(it.ParentID, "t1_"), "t3_")
	if parent == "" {
		parent = threadID
	}
	created := int64(it.CreatedUTC)
	return types.NewComment(it.ID, threadID, parent, it.Author, body,
		it.Score, created, fetchedAt, created, extractImageURLs(body)), true
}
