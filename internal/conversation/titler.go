// ABOUTME: Automatic conversation titling from the first user message
// ABOUTME: Fallback truncation applies immediately; model titling refines it async

package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/store"
)

const (
	// fallbackTitleLimit caps the truncated first-message title, in runes.
	fallbackTitleLimit = 48
	// titleTimeout bounds the background titling request.
	titleTimeout = 30 * time.Second
)

const titleSystemPrompt = "You name chat conversations. Reply with a title of at most five words. No quotes, no punctuation at the end."

// titleNewConversation gives a just-created conversation its title. The
// truncated first message lands synchronously so lists never show an
// untitled row; when titling is enabled a model-generated title replaces it
// in the background.
func (s *Service) titleNewConversation(conversationID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RenameConversation(ctx, conversationID, fallbackTitle(firstMessage)); err != nil {
		s.logger.Warn("failed to set fallback title",
			"error", err, "conversation_id", conversationID)
	}

	if s.cfg.Titles.Enabled {
		go s.generateTitle(conversationID, firstMessage)
	}
}

// generateTitle asks the titling model for a short title and renames the
// conversation. Every failure is logged and swallowed: titling is cosmetic
// and must never affect the turn itself.
func (s *Service) generateTitle(conversationID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	profile, model, err := s.resolveTitleModel(ctx)
	if err != nil {
		s.logger.Debug("skipping title generation",
			"error", err, "conversation_id", conversationID)
		return
	}
	adapter, err := s.buildAdapter(profile)
	if err != nil {
		s.logger.Warn("failed to build titling adapter",
			"error", err, "conversation_id", conversationID)
		return
	}

	events, err := adapter.Stream(ctx, provider.Request{
		Model: model,
		Messages: []provider.ChatMessage{
			{Role: store.RoleSystem, Content: titleSystemPrompt},
			{Role: store.RoleUser, Content: firstMessage},
		},
	})
	if err != nil {
		s.logger.Warn("title request failed",
			"error", err, "conversation_id", conversationID)
		return
	}

	var raw string
	for ev := range events {
		switch ev.Type {
		case provider.EventToken:
			raw += ev.Text
		case provider.EventError:
			s.logger.Warn("title stream failed",
				"error", ev.Err, "conversation_id", conversationID)
			return
		}
	}

	title := sanitizeTitle(raw)
	if title == "" {
		return
	}
	if err := s.store.RenameConversation(ctx, conversationID, title); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to apply generated title",
			"error", err, "conversation_id", conversationID)
		return
	}
	s.logger.Debug("conversation titled",
		"conversation_id", conversationID, "title", title)
}

// resolveTitleModel picks the model for title generation: the chat_titles
// selection if set, otherwise the current selection.
func (s *Service) resolveTitleModel(ctx context.Context) (*store.ProviderProfile, string, error) {
	sel, err := s.store.GetModelSelection(ctx, store.SelectionChatTitles)
	if errors.Is(err, store.ErrNotFound) {
		sel, err = s.store.GetModelSelection(ctx, store.SelectionCurrent)
	}
	if err != nil {
		return nil, "", err
	}
	profile, err := s.store.GetProvider(ctx, sel.ProviderID)
	if err != nil {
		return nil, "", err
	}
	return profile, sel.Model, nil
}

// fallbackTitle derives a title from a message: first line, collapsed
// whitespace, cut at a word boundary.
func fallbackTitle(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return "New conversation"
	}

	runes := []rune(line)
	if len(runes) <= fallbackTitleLimit {
		return line
	}
	cut := fallbackTitleLimit
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = fallbackTitleLimit
	}
	return strings.TrimRight(string(runes[:cut]), " ")
}

// sanitizeTitle normalizes a model-generated title: one line, no wrapping
// quotes, bounded length.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if title == "" {
		return ""
	}
	runes := []rune(title)
	if len(runes) > fallbackTitleLimit*2 {
		title = string(runes[:fallbackTitleLimit*2])
	}
	return title
}
