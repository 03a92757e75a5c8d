// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the persistence layer and its invariants

// Package store provides durable, local persistence for conversations,
// messages and provider profiles on SQLite.
//
// # Schema
//
// Three durable entities plus one key/value table:
//
//   - conversations: id, title, provider_id, model, created_at, updated_at
//   - messages: id, conversation_id (FK, cascade), role, content, status,
//     seq (UNIQUE per conversation), created_at, error_detail
//   - providers: configured backend profiles (kind, base_url, credential_ref)
//   - model_selections: persisted provider/model picks ("current",
//     "chat_titles")
//
// # Invariants
//
// The store enforces the persistence-side invariants of the engine:
//
//   - Message seq values are assigned inside the insert transaction and are
//     gapless and duplicate-free per conversation.
//   - Message status never regresses: pending -> streaming -> one of
//     complete/failed/cancelled. Terminal states are immutable.
//   - A conversation's updated_at changes only when a message reaches a
//     terminal status, never on streaming ticks.
//   - Multi-step operations (append with seq assignment, cascading delete,
//     terminal transition plus conversation touch) run in one transaction.
//
// ReconcileInterrupted is the startup sweep: any message left in pending or
// streaming by an unclean shutdown is marked failed with an interrupted
// error detail before new streams are allowed.
package store
