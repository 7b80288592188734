// Package types holds the immutable domain snapshots shared by the
// storage engine, the scraper, the clustering engine and the report
// builder.
package types

// Thread is an immutable snapshot of a board thread. Identity is ID;
// threads are never mutated in place — newer snapshots supersede older
// ones on upsert.
type Thread struct {
	ID              string
	Board           string
	Title           string
	Author          string
	Text            string // optional selftext
	CreatedUTC      int64  // seconds since epoch
	Permalink       string // relative path, leading '/'
	Score           int64
	UpvoteRatio     float64 // 0..1
	CommentCount    int64
	FetchedAt       int64
	LastActivityUTC int64
	ImageURL        string // optional, at most one image per thread
}

// Comment is an immutable snapshot of a single comment. ParentID equals
// ThreadID for root comments.
type Comment struct {
	ID             string
	ThreadID       string
	ParentID       string
	Author         string
	Body           string
	Score          int64
	CreatedUTC     int64
	FetchedAt      int64
	LastUpdatedUTC int64
	ImageURLs      []string
}

// NewComment builds a Comment, substituting an empty slice for nil
// imageURLs so that ImageURLs is always non-nil.
func NewComment(id, threadID, parentID, author, body string, score, createdUTC, fetchedAt, lastUpdatedUTC int64, imageURLs []string) Comment {
	if imageURLs == nil {
		imageURLs = []string{}
	}
	return Comment{
		ID:             id,
		ThreadID:       threadID,
		ParentID:       parentID,
		Author:         author,
		Body:           body,
		Score:          score,
		CreatedUTC:     createdUTC,
		FetchedAt:      fetchedAt,
		LastUpdatedUTC: lastUpdatedUTC,
		ImageURLs:      imageURLs,
	}
}

// ThreadAnalysisContext is the flattened view of a thread handed to the
// LLM: title, selftext, optional image and the top comments rendered as
// "author: body" lines.
type ThreadAnalysisContext struct {
	Title    string
	Selftext string
	ImageURL string
	Comments []string
}
