package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"threadwatch/internal/bus"
	"threadwatch/internal/cluster"
	"threadwatch/internal/llm"
	"threadwatch/internal/logging"
)

// handleAnalysis serves a TriggerAgentAnalysisEvent. Plain prompts go
// straight to the model; analyze-ref prompts address a stored
// investigation by cluster id or a thread by permalink.
func (m *Monitor) handleAnalysis(ctx context.Context, ev bus.TriggerAgentAnalysisEvent) {
	prompt := strings.TrimSpace(ev.Prompt)
	if prompt == "" {
		return
	}
	if ref, ok := strings.CutPrefix(prompt, analyzeRefPrefix); ok {
		m.analyzeReference(ctx, strings.TrimSpace(ref))
		return
	}
	m.streamToBus(ctx, "adhoc", prompt, "agent")
}

// analyzeReference re-analyzes a stored investigation (ID:{8-char id})
// or a single thread addressed by permalink.
func (m *Monitor) analyzeReference(ctx context.Context, ref string) {
	if id, ok := strings.CutPrefix(ref, idRefPrefix); ok {
		m.analyzeInvestigation(ctx, strings.TrimSpace(id))
		return
	}
	m.analyzePermalink(ctx, ref)
}

func (m *Monitor) analyzeInvestigation(ctx context.Context, id string) {
	cached, ok := m.engine.CachedContext(id)
	if !ok || cached == "" {
		m.eventBus.Publish(bus.LogEvent{
			Message:  fmt.Sprintf("investigation %s is no longer available", id),
			Severity: bus.SeverityWarn,
		})
		return
	}
	prompt := "Analysiere den folgenden Fall ausfuehrlich. Fasse die Entwicklung zusammen " +
		"und nenne die wichtigsten offenen Fragen.\n\n" + cached
	m.streamToBus(ctx, "report:"+id, prompt, "analysis")
}

func (m *Monitor) analyzePermalink(ctx context.Context, permalink string) {
	threadCtx, err := m.scraper.FetchThreadContext(ctx, permalink)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Warnw("thread context fetch failed",
			"permalink", permalink, "error", err)
		m.eventBus.Publish(bus.LogEvent{
			Message:  fmt.Sprintf("could not fetch %s: %v", permalink, err),
			Severity: bus.SeverityWarn,
		})
		return
	}

	var sb strings.Builder
	sb.WriteString("Analysiere diesen Thread und seine Diskussion.\n\n")
	fmt.Fprintf(&sb, "Titel: %s\n", threadCtx.Title)
	if threadCtx.Selftext != "" {
		fmt.Fprintf(&sb, "Text: %s\n", threadCtx.Selftext)
	}
	if threadCtx.ImageURL != "" {
		description := m.provider.Get().AnalyzeImage(ctx, threadCtx.ImageURL)
		fmt.Fprintf(&sb, "Bildinhalt: %s\n", description)
	}
	if len(threadCtx.Comments) > 0 {
		sb.WriteString("\nKommentare:\n")
		for _, line := range threadCtx.Comments {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	m.streamToBus(ctx, "adhoc", sb.String(), "analysis")
}

// streamToBus runs a chat exchange and forwards it token by token over
// the UI stream contract.
func (m *Monitor) streamToBus(ctx context.Context, scope, prompt, source string) {
	m.eventBus.Publish(bus.AgentStatusEvent{})
	m.eventBus.Publish(bus.AgentStreamStartEvent{Source: source})

	stream, err := m.provider.Get().Chat(ctx, scope, prompt, llm.Callbacks{
		OnToken: func(tok string) {
			m.eventBus.Publish(bus.AgentTokenEvent{Token: tok})
		},
		OnComplete: func(full string) {
			m.eventBus.Publish(bus.AgentStreamEndEvent{FullText: full})
		},
		OnError: func(err error) {
			m.eventBus.Publish(bus.LogEvent{
				Message:  fmt.Sprintf("analysis failed: %v", err),
				Severity: bus.SeverityWarn,
			})
			m.eventBus.Publish(bus.AgentStreamEndEvent{})
		},
	})
	if err != nil {
		m.eventBus.Publish(bus.LogEvent{
			Message:  fmt.Sprintf("analysis failed: %v", err),
			Severity: bus.SeverityWarn,
		})
		m.eventBus.Publish(bus.AgentStreamEndEvent{})
		return
	}
	stream.Wait()
}

// TopicGraph asks the model to group the current thread set into named
// topics for the graph view. Threads enter newest-activity first so the
// 60-thread request cap keeps the liveliest material.
func (m *Monitor) TopicGraph(ctx context.Context) (map[string][]string, []cluster.TopicBridge, error) {
	if !m.cfg.Agent.AllowGraphView {
		return nil, nil, fmt.Errorf("graph view is disabled")
	}

	threads := m.repo.AllThreads()
	if len(threads) == 0 {
		return map[string][]string{}, nil, nil
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].LastActivityUTC > threads[j].LastActivityUTC
	})

	response, err := m.complete(ctx, "topics", cluster.BuildTopicRequest(threads))
	if err != nil {
		return nil, nil, fmt.Errorf("topic clustering failed: %w", err)
	}
	clusters, bridges := cluster.ParseTopicResponse(response)
	return clusters, bridges, nil
}

// reinitGateway rebuilds the LLM gateway after a power-mode change and
// swaps it into the provider. The old gateway stays active on failure.
func (m *Monitor) reinitGateway(ctx context.Context) {
	gw, err := llm.New(ctx, m.cfg.Agent.Ollama)
	if err != nil {
		logging.Get(logging.CategoryMonitor).Errorw("gateway reinit failed, keeping previous", "error", err)
		m.eventBus.Publish(bus.LogEvent{
			Message:  fmt.Sprintf("LLM gateway reinit failed: %v", err),
			Severity: bus.SeverityError,
		})
		return
	}
	m.provider.Swap(gw)
	m.eventBus.Publish(bus.LogEvent{Message: "LLM gateway reinitialized"})
}
