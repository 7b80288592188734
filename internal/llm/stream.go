package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"threadwatch/internal/logging"
)

// Callbacks receive streamed tokens. OnComplete gets the concatenation of
// every token delivered; exactly one of OnComplete / OnError fires last.
type Callbacks struct {
	OnToken    func(token string)
	OnComplete func(fullText string)
	OnError    func(err error)
}

// Stream is a handle on an in-flight streamed response. Cancel stops
// token delivery and releases the underlying HTTP call.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel aborts the stream. Safe to call multiple times.
func (s *Stream) Cancel() { s.cancel() }

// Wait blocks until the stream has finished or was cancelled.
func (s *Stream) Wait() { <-s.done }

// Chat streams a reply to userMessage within the given memory scope.
// Tokens are delivered in order on a dedicated goroutine; on completion
// the exchange is committed to the scope's sliding window.
func (g *Gateway) Chat(ctx context.Context, scope, userMessage string, cb Callbacks) (*Stream, error) {
	messages := append(g.scopeHistory(scope), chatMessage{Role: "user", Content: userMessage})
	return g.streamChat(ctx, g.reasoningModel, messages, func(fullText string) {
		g.remember(scope,
			chatMessage{Role: "user", Content: userMessage},
			chatMessage{Role: "assistant", Content: fullText})
	}, cb)
}

// Translate streams a translation of text from sourceLang to targetLang.
// Translations are stateless; no scope memory is involved.
func (g *Gateway) Translate(ctx context.Context, text, sourceLang, targetLang string, cb Callbacks) (*Stream, error) {
	system := fmt.Sprintf(
		"You are a translator. Translate the user's text from %s to %s. "+
			"Output only the translation, nothing else.", sourceLang, targetLang)
	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}
	return g.streamChat(ctx, g.translationModel, messages, nil, cb)
}

// streamChat drives one /api/chat call, scanning the NDJSON response and
// delivering tokens until done or cancelled.
func (g *Gateway) streamChat(ctx context.Context, model string, messages []chatMessage, onFull func(string), cb Callbacks) (*Stream, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		g.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("chat returned status %d: %s", resp.StatusCode, body)
	}

	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer resp.Body.Close()
		defer cancel()

		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(line, &chunk); err != nil {
				g.failStream(cb, fmt.Errorf("malformed stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				g.failStream(cb, fmt.Errorf("server error: %s", chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				full.WriteString(chunk.Message.Content)
				if cb.OnToken != nil {
					cb.OnToken(chunk.Message.Content)
				}
			}
			if chunk.Done {
				text := full.String()
				if onFull != nil {
					onFull(text)
				}
				if cb.OnComplete != nil {
					cb.OnComplete(text)
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// Cancellation surfaces as a read error on the closed body.
			if streamCtx.Err() != nil {
				g.failStream(cb, streamCtx.Err())
				return
			}
			g.failStream(cb, fmt.Errorf("stream read failed: %w", err))
			return
		}
		g.failStream(cb, fmt.Errorf("stream ended without done marker"))
	}()
	return s, nil
}

func (g *Gateway) failStream(cb Callbacks, err error) {
	logging.Get(logging.CategoryLLM).Warnw("stream failed", "error", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
