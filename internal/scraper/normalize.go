package scraper

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var imageSuffixes = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// htmlUnescaper resolves the five entities reddit payloads actually carry.
var htmlUnescaper = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// invalidAuthors are placeholder author values that carry no identity.
var invalidAuthors = map[string]struct{}{
	"anon":      {},
	"[deleted]": {},
	"unknown":   {},
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// normalizePermalink guarantees a leading slash and strips trailing ones.
func normalizePermalink(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.HasSuffix(p, "/") && len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// isImageURL reports whether the URL points at an image, allowing an
// optional query string after the suffix.
func isImageURL(u string) bool {
	if u == "" {
		return false
	}
	lower := strings.ToLower(u)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// isValidAuthor rejects the placeholder values and empty names.
func isValidAuthor(a string) bool {
	if a == "" {
		return false
	}
	_, bad := invalidAuthors[a]
	return !bad
}

// unescapeHTML resolves &amp; &lt; &gt; &quot; &#39; in one pass.
func unescapeHTML(s string) string {
	return htmlUnescaper.Replace(s)
}

// stripTrailingPunct removes trailing '.', ',', ')', ']', ';' repeatedly.
func stripTrailingPunct(u string) string {
	for len(u) > 0 {
		switch u[len(u)-1] {
		case '.', ',', ')', ']', ';':
			u = u[:len(u)-1]
		default:
			return u
		}
	}
	return u
}

// extractImageURLs pulls image links out of a comment body.
func extractImageURLs(body string) []string {
	urls := []string{}
	for _, raw := range urlPattern.FindAllString(unescapeHTML(body), -1) {
		u := stripTrailingPunct(raw)
		if isImageURL(u) {
			urls = append(urls, u)
		}
	}
	return urls
}

// flattenHTML strips markup from a selftext_html payload, keeping the
// visible text. Used when the plain selftext field is empty.
func flattenHTML(fragment string) string {
	if fragment == "" {
		return ""
	}
	node, err := html.Parse(strings.NewReader(unescapeHTML(fragment)))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.Data == "p" || n.Data == "br") {
			b.WriteString("\n")
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}
