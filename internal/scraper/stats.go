// Package scraper polls the configured boards, normalizes the payloads
// and writes thread snapshots through the repository. A stub
// implementation replaces the live scraper in TEST mode.
package scraper

// ScrapeStats accumulates the delta of one scrape cycle.
type ScrapeStats struct {
	NewThreads  int64
	NewUpvotes  int64
	NewComments int64
	Visited     map[string]struct{}
}

// NewScrapeStats returns empty stats with an initialized visited set.
func NewScrapeStats() ScrapeStats {
	return ScrapeStats{Visited: make(map[string]struct{})}
}

// Visit records a thread id as seen in this cycle.
func (s *ScrapeStats) Visit(id string) {
	if s.Visited == nil {
		s.Visited = make(map[string]struct{})
	}
	s.Visited[id] = struct{}{}
}

// HasUpdates reports whether anything changed in this cycle.
func (s ScrapeStats) HasUpdates() bool {
	return s.NewThreads != 0 || s.NewUpvotes != 0 || s.NewComments != 0
}

// Add merges other into s and returns the result.
func (s ScrapeStats) Add(other ScrapeStats) ScrapeStats {
	merged := ScrapeStats{
		NewThreads:  s.NewThreads + other.NewThreads,
		NewUpvotes:  s.NewUpvotes + other.NewUpvotes,
		NewComments: s.NewComments + other.NewComments,
		Visited:     make(map[string]struct{}, len(s.Visited)+len(other.Visited)),
	}
	for id := range s.Visited {
		merged.Visited[id] = struct{}{}
	}
	for id := range other.Visited {
		merged.Visited[id] = struct{}{}
	}
	return merged
}
