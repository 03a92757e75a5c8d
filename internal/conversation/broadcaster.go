// ABOUTME: In-memory fan-out broadcaster for dispatcher stream events
// ABOUTME: Lets multiple UI surfaces follow one conversation without polling

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/astrum-chat/engine/internal/dispatch"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for stream events. Subscribers
// register for a conversation ID and receive token deltas and status changes
// as the dispatcher produces them. It implements dispatch.Publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *dispatch.Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *dispatch.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe opens an event channel for one conversation. The returned ID
// feeds Unsubscribe; alternatively, cancelling ctx tears the subscription
// down in the background.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *dispatch.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *dispatch.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *dispatch.Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given conversation.
// Non-blocking: events are dropped for subscribers whose channels are full,
// so a stalled UI surface never backs up the dispatcher.
func (b *Broadcaster) Publish(conversationID string, ev *dispatch.Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Snapshot the channels so no lock is held while sending
	targets := make([]chan *dispatch.Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"message_id", ev.MessageID,
				"type", ev.Type)
		}
	}
}

// Unsubscribe drops a subscription. Its channel is closed, so range loops
// over it terminate.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close tears down every remaining subscription. Call once, at shutdown;
// events published afterwards go nowhere.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
