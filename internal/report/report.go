// Package report turns significant investigation clusters into evidence
// dossiers and headline prompts, and parses the model's verdict.
package report

import (
	"fmt"
	"sort"
	"strings"

	"threadwatch/internal/cluster"
	"threadwatch/internal/logging"
	"threadwatch/internal/types"
)

const (
	// reportCommentLimit caps the comments quoted in a dossier.
	reportCommentLimit = 15

	// commentPoolLimit is how many stored comments the score ranking
	// draws from.
	commentPoolLimit = 200

	// contextCharLimit bounds the cached combined context handed to the
	// model; older material is truncated from the left.
	contextCharLimit = 4000

	updateSeparator = "=== UPDATE: neue Daten zum laufenden Fall ==="

	verdictAccept = "VERDICT: ACCEPT"
	reportMarker  = "REPORT:"
)

// Repo is the read side of the repository the builder quotes from.
type Repo interface {
	GetThread(id string) (types.Thread, error)
	GetCommentsForThread(threadID string, limit int) ([]types.Comment, error)
}

// Builder assembles dossiers from cluster snapshots.
type Builder struct {
	repo Repo
}

// NewBuilder creates a report builder over the given repository.
func NewBuilder(repo Repo) *Builder {
	return &Builder{repo: repo}
}

// BuildReportData renders a cluster into a multi-section dossier: the
// case header, the investigation title, the active thread count and the
// best thread's source material with its top comments.
func (b *Builder) BuildReportData(c cluster.Cluster) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CASE ID: %s\n", c.ID)
	fmt.Fprintf(&sb, "Investigation: %s\n", c.InitialTitle)
	fmt.Fprintf(&sb, "Active Threads: %d\n", c.ThreadCount)
	fmt.Fprintf(&sb, "Total Score: %d | Total Comments: %d\n", c.TotalScore, c.TotalComments)

	thread, err := b.repo.GetThread(c.BestThreadID)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Warnw("best thread unavailable for report",
			"cluster", c.ID, "thread", c.BestThreadID, "error", err)
		return sb.String()
	}

	sb.WriteString("\n--- THREAD SOURCE ---\n")
	fmt.Fprintf(&sb, "Title: %s\n", thread.Title)
	fmt.Fprintf(&sb, "Author: %s | Score: %d | Comments: %d\n", thread.Author, thread.Score, thread.CommentCount)
	if thread.Text != "" {
		sb.WriteString(thread.Text)
		sb.WriteString("\n")
	}

	comments, err := b.repo.GetCommentsForThread(thread.ID, commentPoolLimit)
	if err != nil || len(comments) == 0 {
		return sb.String()
	}

	sb.WriteString("\n--- TOP COMMENTS ---\n")
	for _, c := range topByScore(comments, reportCommentLimit) {
		fmt.Fprintf(&sb, "%s (Score: %d): %s\n", c.Author, c.Score, c.Body)
	}
	return sb.String()
}

// topByScore returns up to n comments ordered by score descending. The
// input order breaks ties so the sort stays stable across calls.
func topByScore(comments []types.Comment, n int) []types.Comment {
	sorted := append([]types.Comment(nil), comments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// BuildCombinedContext splices fresh report data onto a cluster's cached
// context. The cached portion keeps at most its newest 4000 characters;
// a separator line marks where the update begins. Without a cache the
// new data stands alone.
func BuildCombinedContext(c cluster.Cluster, newReportData string) string {
	if c.CachedContext == "" {
		return newReportData
	}
	cached := c.CachedContext
	if len(cached) > contextCharLimit {
		cached = cached[len(cached)-contextCharLimit:]
	}
	return cached + "\n" + updateSeparator + "\n" + newReportData
}

// BuildHeadlinePrompt composes the final headline request. History lines
// ground the model in what was already reported; the topic filter is
// injected only when headline filtering is active.
func BuildHeadlinePrompt(history []cluster.HistoryEntry, context string, showAll bool, topics []string) string {
	var sb strings.Builder
	sb.WriteString("Du bist ein Finanz-Nachrichtenredakteur und beobachtest ein deutschsprachiges Trading-Forum.\n")
	sb.WriteString("Pruefe das folgende Fallmaterial und entscheide, ob es eine neue Schlagzeile rechtfertigt.\n\n")

	if len(history) > 0 {
		sb.WriteString("Bisherige Schlagzeilen zu diesem Fall (neueste zuerst):\n")
		for _, h := range history {
			sb.WriteString(h.Format())
			sb.WriteString("\n")
		}
		sb.WriteString("Eine neue Schlagzeile muss wesentliche NEUE Entwicklungen enthalten.\n\n")
	}

	if showAll || len(topics) == 0 {
		sb.WriteString("No topic restriction.\n\n")
	} else {
		fmt.Fprintf(&sb, "Nur Schlagzeilen zu diesen Themen melden: %s.\n", strings.Join(topics, ", "))
		sb.WriteString("Beachte Forum-Slang: \"Eselmetalle\" bezeichnet Edelmetalle (Silber, Gold).\n\n")
	}

	sb.WriteString("Fallmaterial:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nAntworte in genau zwei Zeilen:\n")
	sb.WriteString("VERDICT: ACCEPT oder VERDICT: REJECT\n")
	sb.WriteString("REPORT: <eine praegnante Schlagzeile> oder REPORT: -1\n")
	return sb.String()
}

// IsAccepted reports whether the model response contains an explicit
// accept verdict line.
func IsAccepted(response string) bool {
	return strings.Contains(response, verdictAccept)
}

// ExtractHeadline pulls the headline out of a model response. A missing
// marker, an empty remainder or the refusal token -1 all yield "".
func ExtractHeadline(response string) string {
	idx := strings.Index(response, reportMarker)
	if idx == -1 {
		return ""
	}
	rest := response[idx+len(reportMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" || rest == "-1" {
		return ""
	}
	return rest
}
