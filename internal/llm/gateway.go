// Package llm is the uniform gateway over a local Ollama server:
// token-streamed chat with per-scope conversation memory, synchronous
// translation, vision OCR and dense text embeddings. Model names are
// resolved at startup with a family-prefix fallback against the server
// inventory.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"threadwatch/internal/config"
	"threadwatch/internal/logging"
)

const (
	// memoryWindow is the sliding window of messages kept per scope.
	memoryWindow = 20
	llmTimeout   = 5 * time.Minute
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway talks to one Ollama server. All capabilities are safe for
// concurrent use; the only mutable state is the per-scope memory.
type Gateway struct {
	endpoint string
	client   *http.Client
	fetcher  *http.Client // short-deadline client for image fetches

	reasoningModel   string
	translationModel string
	visionModel      string
	embeddingModel   string

	mu     sync.Mutex
	scopes map[string][]chatMessage
}

// New resolves the configured models against the server inventory and
// returns a ready gateway. Resolution failure for a required family is a
// startup error.
func New(ctx context.Context, cfg config.OllamaConfig) (*Gateway, error) {
	g := &Gateway{
		endpoint:       strings.TrimSuffix(cfg.Endpoint, "/"),
		client:         &http.Client{Timeout: llmTimeout},
		fetcher:        &http.Client{Timeout: 30 * time.Second},
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
		scopes:         make(map[string][]chatMessage),
	}

	available, err := g.listModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	g.reasoningModel, err = resolveModel(available, cfg.ReasoningModel, cfg.ReasoningFamily)
	if err != nil {
		return nil, fmt.Errorf("reasoning model: %w", err)
	}
	g.translationModel, err = resolveModel(available, cfg.TranslationModel, cfg.TranslationFamily)
	if err != nil {
		return nil, fmt.Errorf("translation model: %w", err)
	}

	logging.Get(logging.CategoryLLM).Infow("gateway ready",
		"endpoint", g.endpoint,
		"reasoning", g.reasoningModel,
		"translation", g.translationModel,
		"vision", g.visionModel,
		"embedding", g.embeddingModel)
	return g, nil
}

// resolveModel picks the exact target when present, otherwise the first
// inventory entry sharing the family prefix.
func resolveModel(available []string, target, family string) (string, error) {
	for _, m := range available {
		if m == target {
			return m, nil
		}
	}
	for _, m := range available {
		if family != "" && strings.HasPrefix(m, family) {
			logging.Get(logging.CategoryLLM).Warnw("model fallback",
				"target", target, "resolved", m)
			return m, nil
		}
	}
	return "", fmt.Errorf("no model matches %q and no %q family fallback available", target, family)
}

func (g *Gateway) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inventory returned status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Embed returns the dense vector for text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{
		"model":  g.embeddingModel,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding returned status %d: %s", resp.StatusCode, b)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	return result.Embedding, nil
}

// scopeHistory returns a copy of the scope's message window.
func (g *Gateway) scopeHistory(scope string) []chatMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	history := g.scopes[scope]
	out := make([]chatMessage, len(history))
	copy(out, history)
	return out
}

// remember appends an exchange to the scope and trims the window.
func (g *Gateway) remember(scope string, msgs ...chatMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	history := append(g.scopes[scope], msgs...)
	if len(history) > memoryWindow {
		history = history[len(history)-memoryWindow:]
	}
	g.scopes[scope] = history
}

// Provider holds the active gateway behind an atomic pointer so that a
// PowerModeChangedEvent can swap it without locking every call site.
type Provider struct {
	ptr atomic.Pointer[Gateway]
}

// NewProvider wraps an initial gateway.
func NewProvider(g *Gateway) *Provider {
	p := &Provider{}
	p.ptr.Store(g)
	return p
}

// Get returns the active gateway.
func (p *Provider) Get() *Gateway { return p.ptr.Load() }

// Swap installs a new gateway and returns the previous one.
func (p *Provider) Swap(g *Gateway) *Gateway { return p.ptr.Swap(g) }
