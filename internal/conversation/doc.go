// Package conversation is the engine's front door for chat sessions.
//
// # Overview
//
// The conversation package sits between UI surfaces and the lower layers,
// tying together persistence (store), backend routing (provider), credential
// lookup (secrets) and streaming (dispatch).
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(store, dispatcher, broadcaster, secrets, cfg, logger)
//
// Key operations:
//
//   - SubmitTurn(ctx, req): Record a user message and start the assistant reply
//   - Cancel(id): Tear down the active stream, keeping the partial reply
//   - GetHistory(ctx, id): Full message sequence including failed/cancelled turns
//   - Subscribe(ctx, id): Follow a conversation's stream events live
//   - Reconcile(ctx): Mark turns interrupted by an unclean shutdown as failed
//
// # Turn lifecycle
//
// When a turn arrives:
//
//  1. Resolve the conversation, creating it on first use. New conversations
//     are routed by the request's provider/model, falling back to the
//     persisted current selection.
//  2. Reject if the conversation already has an active stream.
//  3. Persist the user message. History is written before any network call.
//  4. Resolve the provider profile and its credential, build the adapter and
//     hand off to the dispatcher, which owns the stream from here.
//
// # Event broadcasting
//
// The Broadcaster fans dispatcher events out to any number of subscribers
// per conversation. Delivery is non-blocking; a stalled subscriber drops
// events rather than backing up the stream. The persisted message remains
// the source of truth, so a dropped delta is recoverable from history.
//
// # Titling
//
// A new conversation is immediately titled with its truncated first message.
// When titling is enabled, a background request to the chat_titles model
// selection replaces the fallback with a generated title. Titling failures
// are logged and swallowed.
package conversation
