// ABOUTME: Anthropic-style adapter: messages API over HTTPS with SSE streaming
// ABOUTME: Lifts the system prompt out of the message array and parses named SSE events

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

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

type anthropicAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func newAnthropic(baseURL, apiKey string, client *http.Client) *anthropicAdapter {
	return &anthropicAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  slog.Default().With("component", "provider", "kind", KindAnthropic),
	}
}

func (a *anthropicAdapter) Kind() Kind { return KindAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream opens a streaming messages request. The messages API rejects a
// "system" role in the message array, so system content moves to the
// top-level system field.
func (a *anthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": anthropicDefaultMaxTokens,
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	for k, v := range req.Options {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, protocolError("encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, protocolError("building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

type anthropicStreamPayload struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// readStream consumes named SSE events until message_stop, an error event,
// or a dropped connection.
func (a *anthropicAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	var inputTokens int
	reader := newSSEReader(body)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: networkError(fmt.Errorf("stream ended before message_stop"))})
			return
		}
		if err != nil {
			emit(ctx, events, StreamEvent{Type: EventError, Err: networkError(err)})
			return
		}

		if event.Data == "" {
			continue
		}

		var payload anthropicStreamPayload
		if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: protocolError("malformed stream event %q: %v", event.Name, err)})
			return
		}

		switch payload.Type {
		case "message_start":
			inputTokens = payload.Message.Usage.InputTokens

		case "content_block_delta":
			if payload.Delta.Type == "text_delta" && payload.Delta.Text != "" {
				if !emit(ctx, events, StreamEvent{Type: EventToken, Text: payload.Delta.Text}) {
					return
				}
			}

		case "message_delta":
			if payload.Usage.OutputTokens > 0 {
				if !emit(ctx, events, StreamEvent{Type: EventUsage, Usage: &Usage{
					InputTokens:  inputTokens,
					OutputTokens: payload.Usage.OutputTokens,
				}}) {
					return
				}
			}

		case "message_stop":
			emit(ctx, events, StreamEvent{Type: EventDone})
			return

		case "error":
			emit(ctx, events, StreamEvent{Type: EventError,
				Err: classifyAnthropicError(payload.Error.Type, payload.Error.Message)})
			return

		case "ping", "content_block_start", "content_block_stop":
			// No content to surface
		}
	}
}

// classifyAnthropicError maps in-stream error types to canonical kinds.
func classifyAnthropicError(errType, message string) *Error {
	switch errType {
	case "authentication_error", "permission_error":
		return &Error{Kind: ErrKindAuth, Message: message, Retryable: false}
	case "rate_limit_error":
		return &Error{Kind: ErrKindRateLimited, Message: message, Retryable: true}
	case "not_found_error":
		return &Error{Kind: ErrKindModelNotFound, Message: message, Retryable: false}
	case "overloaded_error", "api_error":
		return &Error{Kind: ErrKindNetwork, Message: message, Retryable: true}
	case "invalid_request_error":
		return &Error{Kind: ErrKindProtocol, Message: message, Retryable: false}
	default:
		return &Error{Kind: ErrKindUnknown, Message: message, Retryable: false}
	}
}

// ListModels queries the models endpoint for discovery.
func (a *anthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listModelsTimeout)
	defer cancel()

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
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

var _ Adapter = (*anthropicAdapter)(nil)
