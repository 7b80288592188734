// Package monitor runs the passive observation loop: scrape the
// configured boards, embed and cluster what changed, score the live
// investigations and turn the significant ones into streamed headlines.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"threadwatch/internal/bus"
	"threadwatch/internal/cluster"
	"threadwatch/internal/config"
	"threadwatch/internal/llm"
	"threadwatch/internal/logging"
	"threadwatch/internal/report"
	"threadwatch/internal/scraper"
	"threadwatch/internal/significance"
	"threadwatch/internal/types"
)

const (
	cleanupInterval  = 10 * time.Minute
	shutdownGrace    = 10 * time.Second
	analyzeRefPrefix = "analyze-ref:"
	idRefPrefix      = "ID:"
	minWorkers       = 4
)

// Repo is the read surface the monitor needs from the repository.
type Repo interface {
	GetThread(id string) (types.Thread, error)
	AllThreads() []types.Thread
	GetCommentsForThread(threadID string, limit int) ([]types.Comment, error)
	Warmup() error
}

// Cleaner prunes expired threads from persistent storage.
type Cleaner interface {
	CleanupOldThreads(ttlSeconds int64) (int, error)
}

// threadCounters remembers a thread's last observed engagement so the
// next cycle can hand the cluster engine positive deltas only.
type threadCounters struct {
	score    int64
	comments int64
}

// Monitor is the orchestrator. The cluster engine is mutated only from
// the Run loop; on-demand analysis goroutines read snapshots.
type Monitor struct {
	cfg      config.Config
	eventBus *bus.Bus
	repo     Repo
	cleaner  Cleaner
	scraper  scraper.Scraper
	provider *llm.Provider
	engine   *cluster.Engine
	builder  *report.Builder
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]threadCounters

	inflight sync.WaitGroup
}

// New wires a monitor. The engine thresholds come from the reddit
// section of the configuration.
func New(cfg config.Config, eventBus *bus.Bus, repo Repo, cleaner Cleaner, sc scraper.Scraper, provider *llm.Provider) *Monitor {
	engine := cluster.NewEngine(cluster.Config{
		SimilarityThreshold: cfg.Reddit.SimilarityThreshold,
		TTL:                 time.Duration(cfg.Reddit.InvestigationTTLMinutes) * time.Minute,
	})
	return &Monitor{
		cfg:      cfg,
		eventBus: eventBus,
		repo:     repo,
		cleaner:  cleaner,
		scraper:  sc,
		provider: provider,
		engine:   engine,
		builder:  report.NewBuilder(repo),
		now:      time.Now,
		lastSeen: make(map[string]threadCounters),
	}
}

// Engine exposes the cluster engine for snapshot readers (graph view).
func (m *Monitor) Engine() *cluster.Engine { return m.engine }

// GetInvestigationContext returns the cached combined context of a
// reported investigation, or false when the cluster has expired.
func (m *Monitor) GetInvestigationContext(id string) (string, bool) {
	return m.engine.CachedContext(id)
}

// Run blocks until ctx is cancelled. It warms the repository, then
// drives the ingest and cleanup cycles from a single actor loop; only
// on-demand analysis requests run on their own goroutines.
func (m *Monitor) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryMonitor)

	if err := m.repo.Warmup(); err != nil {
		return fmt.Errorf("failed to warm repository: %w", err)
	}
	m.seedCounters()

	analysisSub := bus.Subscribe(m.eventBus, func(ev bus.TriggerAgentAnalysisEvent) {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.handleAnalysis(ctx, ev)
		}()
	})
	powerSub := bus.Subscribe(m.eventBus, func(ev bus.PowerModeChangedEvent) {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.reinitGateway(ctx)
		}()
	})
	defer m.eventBus.Unsubscribe(analysisSub)
	defer m.eventBus.Unsubscribe(powerSub)

	interval := time.Duration(m.cfg.Reddit.UpdateIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ingest := time.NewTicker(interval)
	defer ingest.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	log.Infow("monitor started",
		"boards", m.cfg.Reddit.Subreddits, "interval", interval)

	m.ingestCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Infow("monitor stopping")
			return m.drain()
		case <-ingest.C:
			m.ingestCycle(ctx)
		case <-cleanup.C:
			m.cleanupCycle()
		}
	}
}

// drain waits for in-flight analysis work up to the shutdown grace.
func (m *Monitor) drain() error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		logging.Get(logging.CategoryMonitor).Warnw("shutdown grace expired, abandoning in-flight work")
		return nil
	}
}

// seedCounters primes the delta baselines from the warmed cache so a
// restart does not recount historical engagement as fresh momentum.
func (m *Monitor) seedCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.repo.AllThreads() {
		m.lastSeen[t.ID] = threadCounters{score: t.Score, comments: t.CommentCount}
	}
}

// counterDelta returns the engagement growth since the thread was last
// seen. Unseen threads count their full current engagement.
func (m *Monitor) counterDelta(t types.Thread) (deltaScore, deltaComments int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.lastSeen[t.ID]
	m.lastSeen[t.ID] = threadCounters{score: t.Score, comments: t.CommentCount}
	if !seen {
		return t.Score, t.CommentCount
	}
	return t.Score - prev.score, t.CommentCount - prev.comments
}

func workerCount(boards int) int {
	if n := boards * 2; n > minWorkers {
		return n
	}
	return minWorkers
}

// ingestCycle scrapes every configured board in parallel (new and hot
// listings), batch-refreshes cluster members the listings no longer
// carry, routes the changed threads through embedding and clustering,
// then runs the merge and expiry passes and reviews significance.
func (m *Monitor) ingestCycle(ctx context.Context) {
	log := logging.Get(logging.CategoryMonitor)
	boards := m.cfg.Reddit.Subreddits

	var statsMu sync.Mutex
	total := scraper.NewScrapeStats()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(len(boards)))
	scan := func(board string, fn func(context.Context, string) (scraper.ScrapeStats, error)) {
		g.Go(func() error {
			stats, err := fn(gctx, board)
			if err != nil {
				log.Warnw("scrape failed", "board", board, "error", err)
				m.eventBus.Publish(bus.LogEvent{
					Message:  fmt.Sprintf("scrape of r/%s failed: %v", board, err),
					Severity: bus.SeverityWarn,
				})
				return nil // the cycle continues with the other boards
			}
			statsMu.Lock()
			total = total.Add(stats)
			statsMu.Unlock()
			return nil
		})
	}
	for _, board := range boards {
		scan(board, m.scraper.ScanSubreddit)
		scan(board, m.scraper.ScanSubredditHot)
	}
	g.Wait()

	if ctx.Err() != nil {
		return
	}
	total = total.Add(m.refreshActiveThreads(ctx, total.Visited))
	if len(total.Visited) > 0 {
		m.clusterVisited(ctx, total)
	}

	m.engine.MergePass()
	m.engine.ExpirePass()

	if m.cfg.Headlines.Enabled {
		m.reviewClusters(ctx)
	}
}

// refreshActiveThreads re-polls cluster members that fell out of the
// board listings, so a live investigation keeps accruing deltas and
// activity until it genuinely goes quiet.
func (m *Monitor) refreshActiveThreads(ctx context.Context, visited map[string]struct{}) scraper.ScrapeStats {
	stale := make(map[string]struct{})
	for _, snap := range m.engine.Snapshots() {
		for id := range snap.ActiveThreadIDs {
			if _, ok := visited[id]; !ok {
				stale[id] = struct{}{}
			}
		}
	}
	if len(stale) == 0 {
		return scraper.NewScrapeStats()
	}

	ids := make([]string, 0, len(stale))
	for id := range stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stats, err := m.scraper.UpdateThreadsBatch(ctx, ids)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Warnw("batch refresh failed",
			"threads", len(ids), "error", err)
		return scraper.NewScrapeStats()
	}
	return stats
}

// clusterVisited embeds every visited thread and feeds it to the engine.
// Threads run in deterministic id order so repeated cycles with the same
// input behave identically.
func (m *Monitor) clusterVisited(ctx context.Context, stats scraper.ScrapeStats) {
	log := logging.Get(logging.CategoryMonitor)

	ids := make([]string, 0, len(stats.Visited))
	for id := range stats.Visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		t, err := m.repo.GetThread(id)
		if err != nil {
			log.Warnw("visited thread missing from repository", "thread", id, "error", err)
			continue
		}
		deltaScore, deltaComments := m.counterDelta(t)

		emb, err := m.provider.Get().Embed(ctx, cluster.EmbeddingText(t))
		if err != nil {
			log.Warnw("embedding failed, thread skipped this cycle", "thread", id, "error", err)
			continue
		}
		m.engine.Assign(t, deltaScore, deltaComments, emb)
	}
}

// reviewClusters scores every live cluster and generates a headline for
// the significant un-reported ones. At most one LLM attempt per cluster
// per cycle.
func (m *Monitor) reviewClusters(ctx context.Context) {
	for _, snap := range m.engine.Snapshots() {
		if snap.Reported {
			continue
		}
		result := significance.Compute(snap, m.now())
		if !result.MeetsThreshold(m.cfg.Reddit.SignificanceThreshold) {
			continue
		}
		logging.Get(logging.CategoryMonitor).Infow("cluster significant",
			"cluster", snap.ID, "score", result.Score, "reasoning", result.Reasoning)
		m.generateHeadline(ctx, snap)
	}
}

// generateHeadline asks the model for a verdict on the cluster's dossier
// and, on acceptance, records the headline and streams it to the UI.
func (m *Monitor) generateHeadline(ctx context.Context, snap cluster.Cluster) {
	log := logging.Get(logging.CategoryMonitor)

	// Freshen the best thread's comments so the dossier quotes the
	// current discussion, not whatever an earlier cycle left behind.
	if n, err := m.scraper.ScanThreadComments(ctx, snap.BestThreadID); err != nil {
		log.Warnw("comment refresh failed, dossier uses stored comments",
			"cluster", snap.ID, "thread", snap.BestThreadID, "error", err)
	} else {
		log.Debugw("refreshed best-thread comments",
			"cluster", snap.ID, "thread", snap.BestThreadID, "comments", n)
	}

	data := m.builder.BuildReportData(snap)
	combined := report.BuildCombinedContext(snap, data)
	prompt := report.BuildHeadlinePrompt(snap.History, combined,
		m.cfg.Headlines.ShowAll, m.cfg.Headlines.Topics)

	response, err := m.complete(ctx, "report:"+snap.ID, prompt)
	if err != nil {
		log.Warnw("headline generation failed, deferred to next cycle",
			"cluster", snap.ID, "error", err)
		return
	}
	if !report.IsAccepted(response) {
		log.Debugw("headline rejected", "cluster", snap.ID)
		return
	}
	headline := report.ExtractHeadline(response)
	if headline == "" {
		log.Debugw("accept verdict without usable headline", "cluster", snap.ID)
		return
	}

	m.engine.MarkReported(snap.ID, headline, combined)
	m.streamHeadline(headline)
	log.Infow("headline published", "cluster", snap.ID, "headline", headline)
}

// streamHeadline replays the accepted headline through the UI stream
// contract: status clear, stream start, word tokens, stream end.
func (m *Monitor) streamHeadline(headline string) {
	m.eventBus.Publish(bus.AgentStatusEvent{})
	m.eventBus.Publish(bus.AgentStreamStartEvent{Source: "headline", CSSClass: "headline"})
	for _, token := range strings.SplitAfter(headline, " ") {
		if token == "" {
			continue
		}
		m.eventBus.Publish(bus.AgentTokenEvent{Token: token})
	}
	m.eventBus.Publish(bus.AgentStreamEndEvent{FullText: headline})
}

// complete runs one chat exchange to completion and returns the full
// response text.
func (m *Monitor) complete(ctx context.Context, scope, prompt string) (string, error) {
	var (
		result string
		cbErr  error
	)
	stream, err := m.provider.Get().Chat(ctx, scope, prompt, llm.Callbacks{
		OnComplete: func(full string) { result = full },
		OnError:    func(err error) { cbErr = err },
	})
	if err != nil {
		return "", err
	}
	stream.Wait()
	return result, cbErr
}

// cleanupCycle prunes threads beyond the retention window and reports
// the count on the bus.
func (m *Monitor) cleanupCycle() {
	ttlSeconds := int64(m.cfg.Reddit.DataRetentionHours) * 3600
	n, err := m.cleaner.CleanupOldThreads(ttlSeconds)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Errorw("cleanup failed", "error", err)
		m.eventBus.Publish(bus.LogEvent{
			Message:  fmt.Sprintf("cleanup failed: %v", err),
			Severity: bus.SeverityError,
		})
		return
	}
	m.eventBus.Publish(bus.LogEvent{Message: fmt.Sprintf("log.cleanup.message: %d", n)})
}
