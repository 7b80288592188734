package scraper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePermalink(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"r/wsb/comments/abc", "/r/wsb/comments/abc"},
		{"/r/wsb/comments/abc/", "/r/wsb/comments/abc"},
		{"/r/wsb/comments/abc///", "/r/wsb/comments/abc"},
		{"/already/fine", "/already/fine"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizePermalink(tc.in), "input %q", tc.in)
	}
}

func TestIsImageURL(t *testing.T) {
	assert.True(t, isImageURL("https://i.redd.it/x.jpg"))
	assert.True(t, isImageURL("https://i.redd.it/x.JPEG"))
	assert.True(t, isImageURL("https://i.redd.it/x.png?width=640&format=png"))
	assert.True(t, isImageURL("https://i.redd.it/x.webp"))
	assert.True(t, isImageURL("https://i.redd.it/x.gif"))
	assert.False(t, isImageURL("https://reddit.com/r/wsb"))
	assert.False(t, isImageURL("https://example.com/file.pdf"))
	assert.False(t, isImageURL(""))
}

func TestIsValidAuthor(t *testing.T) {
	assert.False(t, isValidAuthor("anon"))
	assert.False(t, isValidAuthor("[deleted]"))
	assert.False(t, isValidAuthor("unknown"))
	assert.False(t, isValidAuthor(""))
	assert.True(t, isValidAuthor("hodler42"))
}

func TestUnescapeHTML(t *testing.T) {
	in := "&quot;M&amp;A&quot; &lt;heute&gt; &#39;live&#39;"
	assert.Equal(t, `"M&A" <heute> 'live'`, unescapeHTML(in))
}

func TestStripTrailingPunct(t *testing.T) {
	assert.Equal(t, "https://x.de/a.png", stripTrailingPunct("https://x.de/a.png)."))
	assert.Equal(t, "https://x.de/a.png", stripTrailingPunct("https://x.de/a.png];,"))
	assert.Equal(t, "https://x.de/a", stripTrailingPunct("https://x.de/a"))
	assert.Equal(t, "", stripTrailingPunct(");],."))
}

func TestExtractImageURLs(t *testing.T) {
	body := "look at this https://i.redd.it/chart.png), and this https://example.com/doc.pdf"
	assert.Equal(t, []string{"https://i.redd.it/chart.png"}, extractImageURLs(body))
	assert.Empty(t, extractImageURLs("no links here"))
	assert.NotNil(t, extractImageURLs(""))
}

func TestFlattenHTML(t *testing.T) {
	in := "&lt;div&gt;&lt;p&gt;Erster Absatz&lt;/p&gt;&lt;p&gt;Zweiter&lt;/p&gt;&lt;/div&gt;"
	got := flattenHTML(in)
	assert.Contains(t, got, "Erster Absatz")
	assert.Contains(t, got, "Zweiter")
	assert.Empty(t, flattenHTML(""))
}

func TestScrapeStatsAddAndHasUpdates(t *testing.T) {
	a := NewScrapeStats()
	assert.False(t, a.HasUpdates())

	a.NewThreads = 1
	a.Visit("t1")

	b := NewScrapeStats()
	b.NewUpvotes = 5
	b.NewComments = 2
	b.Visit("t2")
	b.Visit("t1")

	merged := a.Add(b)
	assert.Equal(t, int64(1), merged.NewThreads)
	assert.Equal(t, int64(5), merged.NewUpvotes)
	assert.Equal(t, int64(2), merged.NewComments)
	assert.Len(t, merged.Visited, 2)
	assert.True(t, merged.HasUpdates())
}
