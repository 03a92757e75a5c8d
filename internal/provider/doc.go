// ABOUTME: Package documentation for the provider package
// ABOUTME: Describes the adapter contract and error classification rules

// Package provider normalizes the OpenAI, Anthropic and Ollama chat APIs
// behind one streaming Adapter interface.
//
// # Contract
//
// An Adapter turns a canonical Request into a finite, single-pass sequence
// of canonical StreamEvents: token deltas, optional usage, then exactly one
// of done or error. Failures detected before any event is produced are
// returned from Stream directly; everything after that arrives in-band.
//
// # Wire formats
//
//   - OpenAI-style: POST /v1/chat/completions, Bearer auth, SSE framing
//     terminated by "data: [DONE]".
//   - Anthropic-style: POST /v1/messages, x-api-key + anthropic-version
//     headers, named SSE events (content_block_delta, message_delta,
//     message_stop, error). System prompts move to the top-level system
//     field because the messages array rejects the system role.
//   - Ollama-style: POST /api/chat, no auth, newline-delimited JSON
//     terminated by a done:true chunk carrying eval counts.
//
// # Error classification
//
// Errors are classified exactly once, here, and carry a Retryable flag the
// dispatcher's retry policy keys off. Timeouts, 429 and 5xx responses and
// dropped connections are retryable; auth failures, unknown models and
// malformed requests are not. A connection drop mid-stream is always
// surfaced as a retryable network error rather than a silent truncation.
// Adapters never retry on their own.
package provider
