// ABOUTME: Context window assembly: picks the message subsequence sent to a provider
// ABOUTME: Newest turns win, system prompt is pinned, messages are never split

package window

import (
	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/store"
)

// Assemble returns the ordered subsequence of a conversation's history to
// send to a provider, bounded by budget (a character approximation of the
// provider's context size).
//
// Rules:
//   - A system message, if present, is pinned first and always included,
//     regardless of budget pressure. The first system message wins.
//   - Remaining budget is filled newest-first, then re-ordered oldest-first,
//     so the most recent turns always survive.
//   - A message is included whole or not at all.
//   - The most recent eligible message is always included, even if it alone
//     exceeds the budget: sending nothing is worse than sending too much.
//   - Messages without completed content are excluded: failed and cancelled
//     turns with empty content say nothing, and pending/streaming turns are
//     not yet part of history.
func Assemble(msgs []*store.Message, budget int) []provider.ChatMessage {
	if budget <= 0 {
		budget = 1
	}

	var system *store.Message
	eligible := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if !includable(m) {
			continue
		}
		if m.Role == store.RoleSystem {
			if system == nil {
				system = m
			}
			continue
		}
		eligible = append(eligible, m)
	}

	remaining := budget
	if system != nil {
		// Pinned regardless of budget; it still consumes from it
		remaining -= len(system.Content)
	}

	// Walk newest to oldest, keeping what fits
	var kept []*store.Message
	for i := len(eligible) - 1; i >= 0; i-- {
		m := eligible[i]
		cost := len(m.Content)
		if len(kept) > 0 && cost > remaining {
			break
		}
		kept = append(kept, m)
		remaining -= cost
	}

	out := make([]provider.ChatMessage, 0, len(kept)+1)
	if system != nil {
		out = append(out, provider.ChatMessage{Role: store.RoleSystem, Content: system.Content})
	}
	// kept is newest-first; emit oldest-first
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, provider.ChatMessage{Role: kept[i].Role, Content: kept[i].Content})
	}
	return out
}

// includable reports whether a message belongs in an assembled window.
func includable(m *store.Message) bool {
	switch m.Status {
	case store.StatusComplete:
		return true
	case store.StatusFailed, store.StatusCancelled:
		// Partial content is still context; empty failures are noise
		return m.Content != ""
	default:
		return false
	}
}
