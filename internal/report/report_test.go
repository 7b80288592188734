package report

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadwatch/internal/cluster"
	"threadwatch/internal/types"
)

type fakeRepo struct {
	threads  map[string]types.Thread
	comments map[string][]types.Comment
}

func (f *fakeRepo) GetThread(id string) (types.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return types.Thread{}, errors.New("not found")
	}
	return t, nil
}

func (f *fakeRepo) GetCommentsForThread(threadID string, limit int) ([]types.Comment, error) {
	cs := f.comments[threadID]
	if limit < len(cs) {
		cs = cs[:limit]
	}
	return cs, nil
}

func testCluster() cluster.Cluster {
	return cluster.Cluster{
		ID:              "abc12345",
		InitialTitle:    "Silber Short Squeeze",
		ActiveThreadIDs: map[string]struct{}{"t1": {}, "t2": {}},
		BestThreadID:    "t1",
		ThreadCount:     2,
		TotalScore:      150,
		TotalComments:   40,
	}
}

func TestBuildReportDataSections(t *testing.T) {
	repo := &fakeRepo{
		threads: map[string]types.Thread{
			"t1": {ID: "t1", Title: "Silber explodiert", Author: "hans", Score: 120, CommentCount: 33, Text: "Der Preis steigt."},
		},
		comments: map[string][]types.Comment{
			"t1": {
				{Author: "anna", Score: 5, Body: "kaufen"},
				{Author: "berta", Score: 99, Body: "halten"},
			},
		},
	}
	b := NewBuilder(repo)

	data := b.BuildReportData(testCluster())

	assert.Contains(t, data, "CASE ID: abc12345")
	assert.Contains(t, data, "Silber Short Squeeze")
	assert.Contains(t, data, "Active Threads: 2")
	assert.Contains(t, data, "THREAD SOURCE")
	assert.Contains(t, data, "Title: Silber explodiert")
	assert.Contains(t, data, "berta (Score: 99): halten")
	assert.Contains(t, data, "anna (Score: 5): kaufen")

	// Highest-scored comment comes first.
	assert.Less(t, strings.Index(data, "berta"), strings.Index(data, "anna"))
}

func TestBuildReportDataCapsCommentsAtFifteen(t *testing.T) {
	comments := make([]types.Comment, 30)
	for i := range comments {
		comments[i] = types.Comment{Author: fmt.Sprintf("user%02d", i), Score: int64(i), Body: "x"}
	}
	repo := &fakeRepo{
		threads:  map[string]types.Thread{"t1": {ID: "t1", Title: "T"}},
		comments: map[string][]types.Comment{"t1": comments},
	}

	data := NewBuilder(repo).BuildReportData(testCluster())
	assert.Equal(t, reportCommentLimit, strings.Count(data, "(Score:"))
	assert.Contains(t, data, "user29 (Score: 29)")
	assert.NotContains(t, data, "user14 (Score: 14)")
}

func TestBuildReportDataMissingThreadStillHasHeader(t *testing.T) {
	b := NewBuilder(&fakeRepo{threads: map[string]types.Thread{}})
	data := b.BuildReportData(testCluster())

	assert.Contains(t, data, "CASE ID: abc12345")
	assert.NotContains(t, data, "THREAD SOURCE")
}

func TestBuildCombinedContextWithoutCache(t *testing.T) {
	c := testCluster()
	assert.Equal(t, "new data", BuildCombinedContext(c, "new data"))
}

func TestBuildCombinedContextTruncatesFromLeft(t *testing.T) {
	c := testCluster()
	c.CachedContext = strings.Repeat("a", 3000) + strings.Repeat("b", 2000)

	got := BuildCombinedContext(c, "fresh")
	require.Contains(t, got, updateSeparator)

	cachedPart := got[:strings.Index(got, "\n"+updateSeparator)]
	assert.Len(t, cachedPart, contextCharLimit)
	assert.Equal(t, strings.Repeat("a", 2000)+strings.Repeat("b", 2000), cachedPart, "oldest characters dropped")
	assert.True(t, strings.HasSuffix(got, "\nfresh"))
}

func TestBuildCombinedContextShortCacheKeptWhole(t *testing.T) {
	c := testCluster()
	c.CachedContext = "old context"

	got := BuildCombinedContext(c, "fresh")
	assert.True(t, strings.HasPrefix(got, "old context\n"))
	assert.Contains(t, got, updateSeparator)
}

func TestBuildHeadlinePromptNoRestriction(t *testing.T) {
	got := BuildHeadlinePrompt(nil, "ctx", true, []string{"Silber"})
	assert.Contains(t, got, "No topic restriction")
	assert.NotContains(t, got, "Eselmetalle")

	got = BuildHeadlinePrompt(nil, "ctx", false, nil)
	assert.Contains(t, got, "No topic restriction")
}

func TestBuildHeadlinePromptTopicFilter(t *testing.T) {
	got := BuildHeadlinePrompt(nil, "ctx", false, []string{"Silber", "Gold"})
	assert.Contains(t, got, "Silber, Gold")
	assert.Contains(t, got, "Eselmetalle")
	assert.NotContains(t, got, "No topic restriction")
}

func TestBuildHeadlinePromptIncludesHistory(t *testing.T) {
	history := []cluster.HistoryEntry{
		{At: time.Date(2026, 8, 25, 14, 7, 0, 0, time.UTC), Headline: "Silber bricht aus"},
	}
	got := BuildHeadlinePrompt(history, "ctx", true, nil)
	assert.Contains(t, got, "[14:07] Silber bricht aus")
}

func TestIsAccepted(t *testing.T) {
	assert.True(t, IsAccepted("VERDICT: ACCEPT\nREPORT: Silber steigt"))
	assert.False(t, IsAccepted("VERDICT: REJECT\nREPORT: -1"))
	assert.False(t, IsAccepted("verdict: accept"))
}

func TestExtractHeadline(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"VERDICT: ACCEPT\nREPORT: Silber steigt stark", "Silber steigt stark"},
		{"REPORT:   mit Rand  \nnachher", "mit Rand"},
		{"VERDICT: REJECT\nREPORT: -1", ""},
		{"REPORT: -1", ""},
		{"REPORT:", ""},
		{"REPORT:   \n", ""},
		{"keine Marker", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractHeadline(tc.in), "input %q", tc.in)
	}
}
