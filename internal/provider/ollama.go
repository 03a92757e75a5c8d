// ABOUTME: Ollama-style adapter: chat endpoint over HTTP with newline-delimited JSON
// ABOUTME: Parses NDJSON chunks into canonical events; no authentication

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type ollamaAdapter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newOllama(baseURL string, client *http.Client) *ollamaAdapter {
	return &ollamaAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  slog.Default().With("component", "provider", "kind", KindOllama),
	}
}

func (a *ollamaAdapter) Kind() Kind { return KindOllama }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaStreamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Stream opens a streaming chat request and translates the NDJSON chunk
// stream into canonical events.
func (a *ollamaAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	if len(req.Options) > 0 {
		// Ollama nests generation knobs under "options"
		body["options"] = req.Options
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, protocolError("encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, protocolError("building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

// readStream consumes NDJSON lines until done:true, an in-band error, or a
// dropped connection. A stream that ends without done:true is reported as a
// retryable network error.
func (a *ollamaAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: protocolError("malformed stream line: %v", err)})
			return
		}

		if chunk.Error != "" {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: &Error{Kind: ErrKindUnknown, Message: chunk.Error, Retryable: false}})
			return
		}

		if chunk.Message.Content != "" {
			if !emit(ctx, events, StreamEvent{Type: EventToken, Text: chunk.Message.Content}) {
				return
			}
		}

		if chunk.Done {
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				if !emit(ctx, events, StreamEvent{Type: EventUsage, Usage: &Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				}}) {
					return
				}
			}
			emit(ctx, events, StreamEvent{Type: EventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, StreamEvent{Type: EventError, Err: networkError(err)})
		return
	}
	emit(ctx, events, StreamEvent{Type: EventError,
		Err: networkError(fmt.Errorf("stream ended before done"))})
}

// ListModels queries the local tags endpoint for installed models.
func (a *ollamaAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listModelsTimeout)
	defer cancel()

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	err := doJSON(ctx, a.client, a.baseURL+"/api/tags", nil, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{ID: m.Name})
	}
	return models, nil
}

var _ Adapter = (*ollamaAdapter)(nil)
