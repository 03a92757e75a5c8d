// ABOUTME: OpenAI-style adapter: chat-completions over HTTPS with SSE streaming
// ABOUTME: Serializes canonical requests and parses delta chunks into canonical events

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type openAIAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func newOpenAI(baseURL, apiKey string, client *http.Client) *openAIAdapter {
	return &openAIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  slog.Default().With("component", "provider", "kind", KindOpenAI),
	}
}

func (a *openAIAdapter) Kind() Kind { return KindOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens a streaming chat-completions request and translates the SSE
// chunk stream into canonical events.
func (a *openAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body := map[string]any{
		"model":          req.Model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	for k, v := range req.Options {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, protocolError("encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, protocolError("building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	a.logger.Debug("opening stream", "model", req.Model, "messages", len(messages))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, networkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}

	events := make(chan StreamEvent, eventBufferSize)
	go a.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream consumes SSE events until [DONE], an error, or a dropped
// connection. A stream that ends without [DONE] is reported as a retryable
// network error, never silently truncated.
func (a *openAIAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	reader := newSSEReader(body)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: networkError(fmt.Errorf("stream ended before completion"))})
			return
		}
		if err != nil {
			emit(ctx, events, StreamEvent{Type: EventError, Err: networkError(err)})
			return
		}

		data := strings.TrimSpace(event.Data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			emit(ctx, events, StreamEvent{Type: EventDone})
			return
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: protocolError("malformed stream chunk: %v", err)})
			return
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !emit(ctx, events, StreamEvent{Type: EventToken, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if chunk.Usage != nil {
			if !emit(ctx, events, StreamEvent{Type: EventUsage, Usage: &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}}) {
				return
			}
		}
	}
}

// ListModels queries the models endpoint for discovery.
func (a *openAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listModelsTimeout)
	defer cancel()

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := doJSON(ctx, a.client, a.baseURL+"/v1/models", headers, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{ID: m.ID})
	}
	return models, nil
}

// emit sends an event unless the context is gone. Returns false when the
// consumer cancelled and the stream should stop.
func emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Adapter = (*openAIAdapter)(nil)
