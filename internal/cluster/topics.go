package cluster

import (
	"encoding/json"
	"fmt"
	"strings"

	"threadwatch/internal/logging"
	"threadwatch/internal/types"
)

// topicBatchLimit caps how many threads a topic-clustering request carries.
const topicBatchLimit = 60

// TopicBridge marks a thread that also relates to another topic label.
type TopicBridge struct {
	From      string `json:"from"`
	ToCluster string `json:"to_cluster"`
}

// topicPayload is the wrapped response form.
type topicPayload struct {
	Clusters map[string][]string `json:"clusters"`
	Bridges  []TopicBridge       `json:"bridges"`
}

// BuildTopicRequest composes the topic-clustering prompt for up to 60
// recent threads. Used by the graph view to group the live thread set
// into named topics.
func BuildTopicRequest(threads []types.Thread) string {
	if len(threads) > topicBatchLimit {
		threads = threads[:topicBatchLimit]
	}
	var b strings.Builder
	b.WriteString("Group the following threads into named topic clusters.\n")
	b.WriteString("Respond with JSON only, in the form ")
	b.WriteString(`{"clusters": {"label": ["id", ...]}, "bridges": [{"from": "id", "to_cluster": "label"}]}.` + "\n")
	b.WriteString("A bridge marks a thread that also belongs to a second topic.\n\nThreads:\n")
	for _, t := range threads {
		fmt.Fprintf(&b, "%s: %s\n", t.ID, t.Title)
	}
	return b.String()
}

// ParseTopicResponse extracts topic clusters from a model response. It
// accepts the wrapped form with clusters and bridges or a flat
// {label: [ids]} object. Malformed output yields empty clusters rather
// than an error.
func ParseTopicResponse(raw string) (map[string][]string, []TopicBridge) {
	cleaned := stripThinking(raw)
	obj := extractJSONObject(cleaned)
	if obj == "" {
		logging.Get(logging.CategoryCluster).Warnw("topic response has no JSON object",
			"response", truncateForLog(raw))
		return map[string][]string{}, nil
	}

	var wrapped topicPayload
	if err := json.Unmarshal([]byte(obj), &wrapped); err == nil && len(wrapped.Clusters) > 0 {
		return wrapped.Clusters, wrapped.Bridges
	}

	var flat map[string][]string
	if err := json.Unmarshal([]byte(obj), &flat); err == nil && len(flat) > 0 {
		return flat, nil
	}

	logging.Get(logging.CategoryCluster).Warnw("topic response not parseable",
		"response", truncateForLog(obj))
	return map[string][]string{}, nil
}

// stripThinking drops a leading <thinking>...</thinking> block some
// reasoning models prepend before their actual answer.
func stripThinking(s string) string {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "<thinking>") {
		return trimmed
	}
	end := strings.Index(lower, "</thinking>")
	if end == -1 {
		return trimmed
	}
	return strings.TrimSpace(trimmed[end+len("</thinking>"):])
}

// extractJSONObject returns the outermost balanced {...} in s, honoring
// string literals and escapes, or "" when none closes.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
