// ABOUTME: Canonical provider-agnostic request/event types and the Adapter interface
// ABOUTME: Defines the closed set of backend kinds and HTTP error classification

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Kind identifies a supported backend. The set is closed: adding a provider
// means adding a new Kind and a new adapter, nothing else changes.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindOllama    Kind = "ollama"
)

// ChatMessage is a provider-agnostic chat message.
type ChatMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Request is the canonical chat request, independent of any wire format.
type Request struct {
	Model    string
	Messages []ChatMessage
	// Options carries provider-specific knobs (temperature, max_tokens, ...)
	// passed through to the wire request.
	Options map[string]any
}

// Stream event types
const (
	EventToken = "token" // incremental text delta
	EventUsage = "usage" // token accounting, optional
	EventDone  = "done"  // stream completed normally
	EventError = "error" // stream ended with an error
)

// Usage reports token accounting for a completed request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one canonical event from a provider stream. The sequence is
// finite, single-pass and not restartable; EventDone or EventError is always
// the last event delivered.
type StreamEvent struct {
	Type  string
	Text  string // set for EventToken
	Usage *Usage // set for EventUsage
	Err   *Error // set for EventError
}

// Error kinds. Classification happens once, at the adapter boundary, and is
// never re-interpreted downstream.
const (
	ErrKindAuth          = "auth"
	ErrKindRateLimited   = "rate_limited"
	ErrKindModelNotFound = "model_not_found"
	ErrKindNetwork       = "network"
	ErrKindProtocol      = "protocol"
	ErrKindUnknown       = "unknown"
)

// Error is a classified provider failure. Retryable tells the dispatcher
// whether retry policy applies; adapters themselves never retry.
type Error struct {
	Kind      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	ID string
}

// Adapter translates canonical requests into one backend's wire format and
// parses its response stream into canonical events.
//
// Stream returns an error for failures detected before any event is produced
// (always a *Error); once the channel is returned, failures arrive as a final
// EventError. The channel is closed after the terminal event.
type Adapter interface {
	Kind() Kind
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// eventBufferSize is the channel buffer for adapter streams.
const eventBufferSize = 16

// errBodyLimit caps how much of an error response body is read for messages.
const errBodyLimit = 8 * 1024

// New constructs the adapter for the given kind. apiKey may be empty for
// backends that don't authenticate (Ollama). A nil client uses a default
// with no overall timeout: streams are long-lived, cancellation and idle
// detection belong to the caller's context.
func New(kind Kind, baseURL, apiKey string, client *http.Client) (Adapter, error) {
	if client == nil {
		client = &http.Client{}
	}
	switch kind {
	case KindOpenAI:
		return newOpenAI(baseURL, apiKey, client), nil
	case KindAnthropic:
		return newAnthropic(baseURL, apiKey, client), nil
	case KindOllama:
		return newOllama(baseURL, client), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}

// classifyStatus maps an HTTP status code to a canonical error kind and
// whether the failure is worth retrying.
func classifyStatus(code int) (kind string, retryable bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrKindAuth, false
	case code == http.StatusNotFound:
		return ErrKindModelNotFound, false
	case code == http.StatusTooManyRequests:
		return ErrKindRateLimited, true
	case code == http.StatusRequestTimeout:
		return ErrKindNetwork, true
	case code >= 500:
		return ErrKindNetwork, true
	case code >= 400:
		return ErrKindUnknown, false
	default:
		return ErrKindUnknown, false
	}
}

// errorFromResponse builds a classified *Error from a non-2xx response.
func errorFromResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	kind, retryable := classifyStatus(resp.StatusCode)
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if len(body) > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return &Error{Kind: kind, Message: msg, Retryable: retryable}
}

// networkError wraps a transport-level failure as a retryable network error.
func networkError(err error) *Error {
	return &Error{Kind: ErrKindNetwork, Message: err.Error(), Retryable: true}
}

// protocolError marks a well-formed HTTP exchange whose payload couldn't be
// understood. Not retryable: resending the same request won't help.
func protocolError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindProtocol, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// doJSON issues a GET and decodes the response, shared by ListModels impls.
func doJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, decode func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	if err := decode(resp.Body); err != nil {
		return protocolError("decoding response: %v", err)
	}
	return nil
}

// listModelsTimeout bounds model discovery calls, which are not streams.
const listModelsTimeout = 30 * time.Second
