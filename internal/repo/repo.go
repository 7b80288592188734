// Package repo is a write-through cache in front of the storage engine.
// Reads hit the in-memory maps first; writes update the cache immediately
// and are persisted asynchronously by a single write-behind worker.
package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threadwatch/internal/logging"
	"threadwatch/internal/types"
)

// commentFetchLimit is how many comments are pulled from the engine the
// first time a thread's comments are requested.
const commentFetchLimit = 200

// writeRetries bounds how often a failed write-behind persistence call
// is retried before the write is dropped.
const writeRetries = 3

// Storage is the slice of the storage engine the repository needs.
type Storage interface {
	SaveThread(t types.Thread) error
	SaveThreadsBatch(threads []types.Thread) error
	GetThread(id string) (types.Thread, error)
	GetAllThreads() ([]types.Thread, error)
	SaveComment(c types.Comment) error
	GetCommentsForThread(threadID string, limit int) ([]types.Comment, error)
}

type writeOp struct {
	thread  *types.Thread
	batch   []types.Thread
	comment *types.Comment
}

// Repository caches threads and comment lists over a Storage engine.
type Repository struct {
	storage Storage

	mu       sync.RWMutex
	threads  map[string]types.Thread
	comments map[string][]types.Comment

	writes chan writeOp
	done   chan struct{}

	closeOnce sync.Once
}

// New creates the repository and starts its write-behind worker.
func New(storage Storage) *Repository {
	r := &Repository{
		storage:  storage,
		threads:  make(map[string]types.Thread),
		comments: make(map[string][]types.Comment),
		writes:   make(chan writeOp, 1024),
		done:     make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// SaveThread stores the thread in the cache and enqueues persistence.
// The write is fire-and-forget; persistence failures are logged.
func (r *Repository) SaveThread(t types.Thread) {
	r.mu.Lock()
	r.threads[t.ID] = t
	r.mu.Unlock()
	r.enqueue(writeOp{thread: &t})
}

// SaveThreadsBatch bulk-inserts into the cache and enqueues a single
// batch transaction. Nil or empty input completes immediately.
func (r *Repository) SaveThreadsBatch(threads []types.Thread) {
	if len(threads) == 0 {
		return
	}
	r.mu.Lock()
	for _, t := range threads {
		r.threads[t.ID] = t
	}
	r.mu.Unlock()
	r.enqueue(writeOp{batch: threads})
}

// GetThread returns the cached thread, falling through to the engine and
// populating the cache on a miss.
func (r *Repository) GetThread(id string) (types.Thread, error) {
	r.mu.RLock()
	t, ok := r.threads[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := r.storage.GetThread(id)
	if err != nil {
		return types.Thread{}, err
	}
	r.mu.Lock()
	r.threads[id] = t
	r.mu.Unlock()
	return t, nil
}

// AllThreads returns a snapshot of every cached thread.
func (r *Repository) AllThreads() []types.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

// SaveComment writes through to the engine asynchronously and invalidates
// the cached comment list of the owning thread.
func (r *Repository) SaveComment(c types.Comment) {
	r.mu.Lock()
	delete(r.comments, c.ThreadID)
	r.mu.Unlock()
	r.enqueue(writeOp{comment: &c})
}

// GetCommentsForThread returns up to limit comments. The first call for a
// thread fetches up to 200 comments from the engine and caches the list;
// later calls truncate the cached list.
func (r *Repository) GetCommentsForThread(threadID string, limit int) ([]types.Comment, error) {
	r.mu.RLock()
	cached, ok := r.comments[threadID]
	r.mu.RUnlock()

	if !ok {
		fetched, err := r.storage.GetCommentsForThread(threadID, commentFetchLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch comments for %s: %w", threadID, err)
		}
		r.mu.Lock()
		r.comments[threadID] = fetched
		r.mu.Unlock()
		cached = fetched
	}

	if limit > len(cached) {
		limit = len(cached)
	}
	out := make([]types.Comment, limit)
	copy(out, cached[:limit])
	return out, nil
}

// Warmup prefetches all persisted threads into the cache.
func (r *Repository) Warmup() error {
	all, err := r.storage.GetAllThreads()
	if err != nil {
		return fmt.Errorf("failed to warm repository: %w", err)
	}
	r.mu.Lock()
	for _, t := range all {
		r.threads[t.ID] = t
	}
	r.mu.Unlock()
	logging.Get(logging.CategoryRepo).Infow("repository warmed", "threads", len(all))
	return nil
}

// Shutdown stops accepting writes and drains the outstanding queue,
// bounded by the context deadline.
func (r *Repository) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.writes) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("repository shutdown timed out: %w", ctx.Err())
	}
}

func (r *Repository) enqueue(op writeOp) {
	defer func() {
		// Enqueue after Shutdown would panic on the closed channel;
		// dropping the write there matches fire-and-forget semantics.
		if recover() != nil {
			logging.Get(logging.CategoryRepo).Warnw("write dropped after shutdown")
		}
	}()
	select {
	case r.writes <- op:
	default:
		logging.Get(logging.CategoryRepo).Warnw("write queue full, persisting inline")
		r.persist(op)
	}
}

func (r *Repository) writeLoop() {
	defer close(r.done)
	for op := range r.writes {
		r.persist(op)
	}
}

func (r *Repository) persist(op writeOp) {
	log := logging.Get(logging.CategoryRepo)
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		switch {
		case op.thread != nil:
			lastErr = r.storage.SaveThread(*op.thread)
		case op.batch != nil:
			lastErr = r.storage.SaveThreadsBatch(op.batch)
		case op.comment != nil:
			lastErr = r.storage.SaveComment(*op.comment)
		default:
			return
		}
		if lastErr == nil {
			return
		}
	}
	log.Errorw("write-behind persistence failed, write dropped", "error", lastErr)
}
