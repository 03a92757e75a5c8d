// ABOUTME: Package documentation for the streaming dispatcher
// ABOUTME: Describes the per-conversation stream lifecycle and retry policy

// Package dispatch owns every in-flight provider stream.
//
// Each conversation has at most one active stream; submissions against a
// busy conversation fail with ErrConflict rather than queue. Independent
// conversations stream concurrently without limit, subject only to the
// per-provider rate limiters.
//
// A stream moves through requesting, streaming and exactly one terminal
// phase (completing, failing or cancelling) before the conversation returns
// to idle. The dispatcher is the single writer of the turn it accepts: the
// user message (when the caller supplies one) and the pending assistant row
// are persisted only after the conversation's slot is reserved, so a
// conflicting submission writes nothing. It marks the assistant message
// streaming on the first token, batches content persistence every
// Policy.FlushEvery deltas, and commits the terminal status with whatever
// content accumulated.
//
// Retry policy lives here, never in adapters. Retryable failures (network,
// rate limits, idle timeouts) are retried with exponential backoff up to
// Policy.RetryAttempts times, but only while no tokens have been received:
// once partial content exists a retry would replay text the user already
// saw, so the turn fails with the partial preserved. Cancellation at any
// point commits the buffer under status cancelled.
//
// Subscribers observe the stream through a Publisher: token deltas in
// arrival order, then a single terminal status event carrying the full
// content.
package dispatch
