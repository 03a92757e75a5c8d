// ABOUTME: Service is the central layer tying storage, providers and dispatch together
// ABOUTME: All turns flow through here - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astrum-chat/engine/internal/config"
	"github.com/astrum-chat/engine/internal/dispatch"
	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/secrets"
	"github.com/astrum-chat/engine/internal/store"
)

// ErrNoProvider is returned when a turn cannot be routed to any backend.
var ErrNoProvider = errors.New("no provider configured")

// Streamer defines what the service needs from the dispatch layer.
type Streamer interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (string, error)
	Cancel(conversationID string) error
	State(conversationID string) string
}

// AdapterFactory builds a provider adapter from a resolved profile.
type AdapterFactory func(kind provider.Kind, baseURL, apiKey string) (provider.Adapter, error)

// Service is the engine's front door. It owns conversation lifecycle,
// provider resolution and credential lookup; streaming itself is delegated
// to the dispatcher and observed through the broadcaster.
type Service struct {
	store       store.Store
	streamer    Streamer
	broadcaster *Broadcaster
	secrets     secrets.Source
	cfg         *config.Config
	adapters    AdapterFactory
	logger      *slog.Logger
}

// New creates a conversation service. Pass nil logger for default.
func New(st store.Store, streamer Streamer, broadcaster *Broadcaster, src secrets.Source, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		streamer:    streamer,
		broadcaster: broadcaster,
		secrets:     src,
		cfg:         cfg,
		logger:      logger.With("component", "conversation"),
		adapters: func(kind provider.Kind, baseURL, apiKey string) (provider.Adapter, error) {
			return provider.New(kind, baseURL, apiKey, nil)
		},
	}
}

// SubmitRequest contains everything needed to submit one user turn.
type SubmitRequest struct {
	// ConversationID targets an existing conversation. Empty means create a
	// new one, routed by ProviderID/Model or the persisted current selection.
	ConversationID string
	ProviderID     string
	Model          string

	// Content is the user message text (required).
	Content string
	// Options carries provider-specific knobs passed through unchanged.
	Options map[string]any
}

// SubmitResult identifies what a submission created.
type SubmitResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
}

// SubmitTurn records the user message and starts streaming the assistant
// reply. Returns dispatch.ErrConflict if the conversation already has an
// active stream; nothing is recorded in that case.
//
// The user message is handed to the dispatcher, which persists it only
// after reserving the conversation's stream slot. Two racing submissions
// therefore cannot both leave a user turn in history: the loser is
// rejected before any write.
func (s *Service) SubmitTurn(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	conv, created, err := s.ensureConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("conversation resolution failed: %w", err)
	}

	profile, err := s.store.GetProvider(ctx, conv.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %s: %w", conv.ProviderID, err)
	}
	adapter, err := s.buildAdapter(profile)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Content,
		Status:         store.StatusComplete,
		CreatedAt:      time.Now(),
	}

	assistantID, err := s.streamer.Submit(ctx, dispatch.SubmitRequest{
		ConversationID: conv.ID,
		Adapter:        adapter,
		Model:          conv.Model,
		Options:        req.Options,
		ContextBudget:  s.cfg.ForKind(profile.Kind).ContextBudget,
		UserMessage:    userMsg,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	s.logger.Debug("user message recorded",
		"conversation_id", conv.ID,
		"message_id", userMsg.ID)

	if created {
		s.titleNewConversation(conv.ID, req.Content)
	}

	return &SubmitResult{
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantID,
	}, nil
}

// Cancel tears down the active stream for a conversation. The partial reply
// is kept in history under status cancelled.
func (s *Service) Cancel(conversationID string) error {
	return s.streamer.Cancel(conversationID)
}

// Subscribe registers for stream events on a conversation. The subscription
// is cleaned up when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (<-chan *dispatch.Event, string) {
	return s.broadcaster.Subscribe(ctx, conversationID)
}

// Unsubscribe removes a subscription created by Subscribe.
func (s *Service) Unsubscribe(conversationID, subID string) {
	s.broadcaster.Unsubscribe(conversationID, subID)
}

// GetConversation returns conversation metadata.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations returns conversations newest-first. limit <= 0 means all.
func (s *Service) ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// GetHistory returns a conversation's messages in sequence order, including
// failed and cancelled turns with whatever content they accumulated.
func (s *Service) GetHistory(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// RenameConversation sets a conversation's title.
func (s *Service) RenameConversation(ctx context.Context, id, title string) error {
	return s.store.RenameConversation(ctx, id, title)
}

// DeleteConversation removes a conversation and its messages. An active
// stream is cancelled first so no goroutine keeps writing to deleted rows.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if err := s.streamer.Cancel(id); err != nil && !errors.Is(err, dispatch.ErrNoActiveStream) {
		return fmt.Errorf("cancelling active stream: %w", err)
	}
	return s.store.DeleteConversation(ctx, id)
}

// StreamState reports the dispatcher state for a conversation.
func (s *Service) StreamState(conversationID string) string {
	return s.streamer.State(conversationID)
}

// ListModels queries a provider profile's backend for its available models.
func (s *Service) ListModels(ctx context.Context, providerID string) ([]provider.ModelInfo, error) {
	profile, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %s: %w", providerID, err)
	}
	adapter, err := s.buildAdapter(profile)
	if err != nil {
		return nil, err
	}
	return adapter.ListModels(ctx)
}

// Reconcile marks messages left pending or streaming by an unclean shutdown
// as failed. Call once at startup, before accepting submissions.
func (s *Service) Reconcile(ctx context.Context) error {
	n, err := s.store.ReconcileInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconciling interrupted messages: %w", err)
	}
	if n > 0 {
		s.logger.Info("reconciled interrupted messages", "count", n)
	}
	return nil
}

// SetCurrentModel persists the default provider/model pick for new
// conversations.
func (s *Service) SetCurrentModel(ctx context.Context, providerID, model string) error {
	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return fmt.Errorf("loading provider %s: %w", providerID, err)
	}
	return s.store.SetModelSelection(ctx, &store.ModelSelection{
		Key:        store.SelectionCurrent,
		ProviderID: providerID,
		Model:      model,
	})
}

// ensureConversation resolves an existing conversation or creates a new one.
// Returns whether the conversation was created by this call.
func (s *Service) ensureConversation(ctx context.Context, req *SubmitRequest) (*store.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		// ID provided but doesn't exist: create it, keeping the caller's ID
		// so local-first clients can mint IDs offline.
	}

	providerID, model, err := s.resolveRouting(ctx, req)
	if err != nil {
		return nil, false, err
	}

	id := req.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	conv := &store.Conversation{
		ID:         id,
		ProviderID: providerID,
		Model:      model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another submission may have created the conversation between our
		// lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.GetConversation(ctx, id)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", id)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, err
	}
	s.logger.Debug("conversation created",
		"conversation_id", id,
		"provider_id", providerID,
		"model", model)
	return conv, true, nil
}

// resolveRouting picks the provider and model for a new conversation:
// explicit request values win, then the persisted current selection, then a
// sole configured provider with its default model.
func (s *Service) resolveRouting(ctx context.Context, req *SubmitRequest) (providerID, model string, err error) {
	if req.ProviderID != "" {
		profile, err := s.store.GetProvider(ctx, req.ProviderID)
		if err != nil {
			return "", "", fmt.Errorf("loading provider %s: %w", req.ProviderID, err)
		}
		model := req.Model
		if model == "" {
			model = profile.DefaultModel
		}
		if model == "" {
			return "", "", fmt.Errorf("provider %s has no default model and none was given", req.ProviderID)
		}
		return profile.ID, model, nil
	}

	sel, err := s.store.GetModelSelection(ctx, store.SelectionCurrent)
	if err == nil {
		model := req.Model
		if model == "" {
			model = sel.Model
		}
		return sel.ProviderID, model, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	// No selection persisted: a single configured provider is unambiguous
	profiles, err := s.store.ListProviders(ctx)
	if err != nil {
		return "", "", err
	}
	if len(profiles) == 1 && profiles[0].DefaultModel != "" {
		model := req.Model
		if model == "" {
			model = profiles[0].DefaultModel
		}
		return profiles[0].ID, model, nil
	}
	return "", "", ErrNoProvider
}

// buildAdapter constructs the provider adapter for a profile, resolving its
// credential reference. A missing credential fails here, at submit time,
// rather than as a mid-stream surprise.
func (s *Service) buildAdapter(profile *store.ProviderProfile) (provider.Adapter, error) {
	apiKey, err := s.secrets.Resolve(profile.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("resolving credential for provider %s: %w", profile.ID, err)
	}

	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = s.cfg.ForKind(profile.Kind).Endpoint
	}

	adapter, err := s.adapters(provider.Kind(profile.Kind), baseURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("building adapter for provider %s: %w", profile.ID, err)
	}
	return adapter, nil
}
