// ABOUTME: Store interface and data types for conversation engine persistence
// ABOUTME: Defines Conversation, Message, ProviderProfile and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose ID already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrStatusRegression is returned when a message status update would move a
// message backwards (e.g. complete -> streaming). Terminal states are final.
var ErrStatusRegression = errors.New("message status regression")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses. pending and streaming are transient; the other three are
// terminal and immutable once set.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Model selection keys for the model_selections table
const (
	SelectionCurrent    = "current"
	SelectionChatTitles = "chat_titles"
)

// Conversation is a single chat: metadata plus an ordered message sequence.
type Conversation struct {
	ID         string
	Title      string
	ProviderID string
	Model      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is a single turn within a conversation. Seq is strictly increasing
// per conversation and defines both display and context order.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Status         string
	Seq            int
	CreatedAt      time.Time
	ErrorDetail    string
}

// IsTerminal reports whether the message has reached a final status.
func (m *Message) IsTerminal() bool {
	return IsTerminalStatus(m.Status)
}

// IsTerminalStatus reports whether status is complete, failed or cancelled.
func IsTerminalStatus(status string) bool {
	return status == StatusComplete || status == StatusFailed || status == StatusCancelled
}

// ProviderProfile describes one configured backend. CredentialRef is an
// opaque reference into a secret source, never the raw secret.
type ProviderProfile struct {
	ID            string
	Kind          string // "openai", "anthropic", "ollama"
	Name          string
	BaseURL       string
	CredentialRef string
	DefaultModel  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ModelSelection is a persisted provider/model pick, keyed by purpose
// (SelectionCurrent for the chat model, SelectionChatTitles for titling).
type ModelSelection struct {
	Key        string
	ProviderID string
	Model      string
}

// Store defines the interface for conversation engine persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages. AppendMessage assigns Seq atomically with the insert.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	AppendMessageContent(ctx context.Context, id, delta string) error
	UpdateMessageStatus(ctx context.Context, id, status, errorDetail string) error

	// ReconcileInterrupted marks every message left in pending/streaming by an
	// unclean shutdown as failed. Returns the number of messages reconciled.
	ReconcileInterrupted(ctx context.Context) (int, error)

	// Provider profiles
	CreateProvider(ctx context.Context, p *ProviderProfile) error
	GetProvider(ctx context.Context, id string) (*ProviderProfile, error)
	ListProviders(ctx context.Context) ([]*ProviderProfile, error)
	UpdateProvider(ctx context.Context, p *ProviderProfile) error
	DeleteProvider(ctx context.Context, id string) error

	// Model selections
	GetModelSelection(ctx context.Context, key string) (*ModelSelection, error)
	SetModelSelection(ctx context.Context, sel *ModelSelection) error

	// Close releases any resources held by the store
	Close() error
}
