// ABOUTME: Streaming dispatcher: owns in-flight provider streams per conversation
// ABOUTME: Enforces one active stream per conversation, retry policy, idle timeout and cancellation

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/store"
	"github.com/astrum-chat/engine/internal/window"
)

// ErrConflict is returned when a turn is submitted to a conversation that
// already has an active stream. Submissions are rejected, never queued.
var ErrConflict = errors.New("conversation already has an active stream")

// ErrNoActiveStream is returned by Cancel when there is nothing to cancel.
var ErrNoActiveStream = errors.New("no active stream for conversation")

// Stream states, per conversation. A conversation with no entry is Idle.
const (
	StateIdle       = "idle"
	StateRequesting = "requesting"
	StateStreaming  = "streaming"
	StateCompleting = "completing"
	StateFailing    = "failing"
	StateCancelling = "cancelling"
)

// Event is one dispatcher notification fanned out to subscribers.
type Event struct {
	ConversationID string
	MessageID      string
	Type           string // EventToken or EventStatus
	Text           string // token delta, for EventToken
	Status         string // message status, for EventStatus
	Content        string // full accumulated content, on terminal EventStatus
	ErrorDetail    string // human-readable failure detail, on failed EventStatus
}

// Event types
const (
	EventToken  = "token"
	EventStatus = "status"
)

// Publisher receives dispatcher events for fan-out to subscribers.
// The dispatcher is the single writer; events for one conversation are
// published in arrival order.
type Publisher interface {
	Publish(conversationID string, ev *Event)
}

// Store is what the dispatcher needs from persistence.
type Store interface {
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	AppendMessageContent(ctx context.Context, id, delta string) error
	UpdateMessageStatus(ctx context.Context, id, status, errorDetail string) error
}

// Policy holds the dispatcher's retry and durability knobs. The retry limit
// and backoff live here, never in adapters.
type Policy struct {
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// IdleTimeout converts a silent stream into a retryable network error.
	IdleTimeout time.Duration
	// FlushEvery batches token persistence: deltas are committed to the
	// store every FlushEvery tokens and on every terminal event.
	FlushEvery int
}

// SubmitRequest describes one turn to dispatch.
type SubmitRequest struct {
	ConversationID string
	Adapter        provider.Adapter
	Model          string
	Options        map[string]any
	// ContextBudget bounds the assembled window, in characters.
	ContextBudget int
	// UserMessage, when set, is persisted after the conversation slot is
	// reserved. A submission rejected with ErrConflict therefore writes
	// nothing.
	UserMessage *store.Message
}

// activeStream tracks one in-flight request.
type activeStream struct {
	conversationID string
	messageID      string
	state          string
	cancel         context.CancelFunc
	cancelled      bool // set when Cancel was accepted
	done           chan struct{}
}

// Dispatcher owns all in-flight provider streams. At most one stream is
// active per conversation; multiple conversations stream concurrently.
type Dispatcher struct {
	store     Store
	publisher Publisher
	policy    Policy
	logger    *slog.Logger

	mu       sync.Mutex
	active   map[string]*activeStream
	limiters map[provider.Kind]*rate.Limiter
}

// New creates a dispatcher. ratesPerMinute throttles stream openings per
// provider kind (0 or absent disables). Pass nil logger for default.
func New(st Store, publisher Publisher, policy Policy, ratesPerMinute map[provider.Kind]int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.FlushEvery < 1 {
		policy.FlushEvery = 1
	}

	limiters := make(map[provider.Kind]*rate.Limiter)
	for kind, perMinute := range ratesPerMinute {
		if perMinute > 0 {
			limiters[kind] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
		}
	}

	return &Dispatcher{
		store:     st,
		publisher: publisher,
		policy:    policy,
		logger:    logger.With("component", "dispatch"),
		active:    make(map[string]*activeStream),
		limiters:  limiters,
	}
}

// State reports the stream state for a conversation.
func (d *Dispatcher) State(conversationID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.active[conversationID]; ok {
		return s.state
	}
	return StateIdle
}

// Submit starts streaming an assistant turn for a conversation. The
// conversation slot is reserved first; the user message (when provided),
// the context window and the pending assistant message are all handled
// inside the reserved section, so a conflicting submission persists nothing.
// Returns ErrConflict if the conversation is not idle.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &activeStream{
		conversationID: req.ConversationID,
		state:          StateRequesting,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	d.mu.Lock()
	if _, exists := d.active[req.ConversationID]; exists {
		d.mu.Unlock()
		cancel()
		return "", ErrConflict
	}
	d.active[req.ConversationID] = s
	d.mu.Unlock()

	fail := func(err error) (string, error) {
		d.release(s)
		cancel()
		return "", err
	}

	if req.UserMessage != nil {
		if err := d.store.AppendMessage(ctx, req.UserMessage); err != nil {
			return fail(fmt.Errorf("recording user message: %w", err))
		}
	}

	history, err := d.store.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return fail(fmt.Errorf("loading history: %w", err))
	}
	messages := window.Assemble(history, req.ContextBudget)

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Status:         store.StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return fail(fmt.Errorf("creating pending message: %w", err))
	}
	s.messageID = msg.ID

	d.logger.Debug("turn submitted",
		"conversation_id", req.ConversationID,
		"message_id", msg.ID,
		"provider", req.Adapter.Kind(),
		"model", req.Model)

	go d.run(streamCtx, s, req, provider.Request{
		Model:    req.Model,
		Messages: messages,
		Options:  req.Options,
	})

	return msg.ID, nil
}

// Cancel tears down the active stream for a conversation. The partial buffer
// is committed with status cancelled; no further token events are delivered.
// Returns ErrNoActiveStream if the conversation is idle.
func (d *Dispatcher) Cancel(conversationID string) error {
	d.mu.Lock()
	s, ok := d.active[conversationID]
	if !ok {
		d.mu.Unlock()
		return ErrNoActiveStream
	}
	s.cancelled = true
	s.state = StateCancelling
	d.mu.Unlock()

	d.logger.Debug("cancelling stream",
		"conversation_id", conversationID,
		"message_id", s.messageID)
	s.cancel()
	<-s.done
	return nil
}

// Close cancels every active stream and waits for their commits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	streams := make([]*activeStream, 0, len(d.active))
	for _, s := range d.active {
		s.cancelled = true
		s.state = StateCancelling
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		s.cancel()
		<-s.done
	}
}

// release removes a stream from the active map, returning the conversation
// to Idle.
func (d *Dispatcher) release(s *activeStream) {
	d.mu.Lock()
	delete(d.active, s.conversationID)
	d.mu.Unlock()
}

// setState updates a stream's state under the lock.
func (d *Dispatcher) setState(s *activeStream, state string) {
	d.mu.Lock()
	// Cancelling is sticky: once a cancel is accepted the machine only
	// moves to Idle.
	if s.state != StateCancelling {
		s.state = state
	}
	d.mu.Unlock()
}

// wasCancelled reports whether Cancel was accepted for this stream.
func (d *Dispatcher) wasCancelled(s *activeStream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return s.cancelled
}

// run drives one stream to a terminal state. It owns the message's content
// buffer and is the only writer of its status transitions.
func (d *Dispatcher) run(ctx context.Context, s *activeStream, req SubmitRequest, provReq provider.Request) {
	defer close(s.done)
	defer s.cancel()
	defer d.release(s)

	if limiter := d.limiters[req.Adapter.Kind()]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			d.commitCancelled(s, "")
			return
		}
	}

	var buffer string       // everything received so far
	var pendingDelta string // received but not yet flushed to the store
	var unflushed int

	// flush commits the pending delta with a detached timeout context so
	// persistence survives stream cancellation.
	flush := func() {
		if pendingDelta == "" {
			return
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.AppendMessageContent(saveCtx, s.messageID, pendingDelta); err != nil {
			d.logger.Error("failed to persist content batch",
				"error", err,
				"message_id", s.messageID,
				"bytes", len(pendingDelta))
		}
		pendingDelta = ""
		unflushed = 0
	}

	backoff := d.policy.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		// Per-attempt context so an idle timeout can tear down just this
		// connection while the stream context stays live for the retry.
		attemptCtx, cancelAttempt := context.WithCancel(ctx)

		events, err := req.Adapter.Stream(attemptCtx, provReq)
		if err != nil {
			cancelAttempt()
			if d.wasCancelled(s) {
				d.commitCancelled(s, buffer)
				return
			}
			if retryableError(err) && attempt < d.policy.RetryAttempts {
				d.logger.Debug("retrying after request failure",
					"message_id", s.messageID,
					"attempt", attempt+1,
					"error", err)
				if !d.sleep(ctx, backoffFor(backoff, attempt)) {
					d.commitCancelled(s, buffer)
					return
				}
				continue
			}
			d.commitFailed(s, buffer, errorDetail(err))
			return
		}

		outcome, streamErr := d.consume(ctx, s, events, &buffer, &pendingDelta, &unflushed, flush)
		cancelAttempt()

		switch outcome {
		case outcomeDone:
			flush()
			d.setState(s, StateCompleting)
			d.commitTerminal(s, store.StatusComplete, buffer, "")
			return

		case outcomeCancelled:
			flush()
			d.commitCancelled(s, buffer)
			return

		case outcomeRetryable:
			// Retrying after partial content would duplicate what the user
			// already saw; preserve the partial and fail instead.
			if buffer == "" && attempt < d.policy.RetryAttempts {
				d.logger.Debug("retrying after stream failure",
					"message_id", s.messageID,
					"attempt", attempt+1,
					"error", streamErr)
				if !d.sleep(ctx, backoffFor(backoff, attempt)) {
					d.commitCancelled(s, buffer)
					return
				}
				continue
			}
			flush()
			d.commitFailed(s, buffer, errorDetail(streamErr))
			return

		case outcomeFatal:
			flush()
			d.commitFailed(s, buffer, errorDetail(streamErr))
			return
		}
	}
}

// consume outcomes
const (
	outcomeDone = iota
	outcomeCancelled
	outcomeRetryable
	outcomeFatal
)

// consume reads one attempt's event stream, appending tokens to the buffer,
// batching persistence and broadcasting deltas in arrival order.
func (d *Dispatcher) consume(ctx context.Context, s *activeStream, events <-chan provider.StreamEvent, buffer, pendingDelta *string, unflushed *int, flush func()) (int, error) {
	idle := d.policy.IdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		// An accepted cancel wins over the adapter buffer: events still
		// queued at that point must reach neither subscribers nor the
		// committed message. The select below picks randomly when both the
		// cancelled context and a buffered event are ready, so the flag is
		// checked before the select and again after every receive.
		if d.wasCancelled(s) {
			return outcomeCancelled, nil
		}

		select {
		case <-ctx.Done():
			return outcomeCancelled, nil

		case <-timer.C:
			return outcomeRetryable, &provider.Error{
				Kind:      provider.ErrKindNetwork,
				Message:   fmt.Sprintf("no stream activity for %s", idle),
				Retryable: true,
			}

		case ev, ok := <-events:
			if d.wasCancelled(s) {
				return outcomeCancelled, nil
			}
			if !ok {
				// Adapters always finish with done or error; a bare close is
				// a dropped connection.
				return outcomeRetryable, &provider.Error{
					Kind:      provider.ErrKindNetwork,
					Message:   "stream closed unexpectedly",
					Retryable: true,
				}
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			switch ev.Type {
			case provider.EventToken:
				if *buffer == "" {
					d.markStreaming(s)
				}
				*buffer += ev.Text
				*pendingDelta += ev.Text
				*unflushed++
				if *unflushed >= d.policy.FlushEvery {
					flush()
				}
				d.publisher.Publish(s.conversationID, &Event{
					ConversationID: s.conversationID,
					MessageID:      s.messageID,
					Type:           EventToken,
					Text:           ev.Text,
				})

			case provider.EventUsage:
				if ev.Usage != nil {
					d.logger.Debug("usage reported",
						"message_id", s.messageID,
						"input_tokens", ev.Usage.InputTokens,
						"output_tokens", ev.Usage.OutputTokens)
				}

			case provider.EventDone:
				return outcomeDone, nil

			case provider.EventError:
				if ev.Err != nil && ev.Err.Retryable {
					return outcomeRetryable, ev.Err
				}
				return outcomeFatal, ev.Err
			}
		}
	}
}

// markStreaming records the pending -> streaming transition on first token.
func (d *Dispatcher) markStreaming(s *activeStream) {
	d.setState(s, StateStreaming)

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.UpdateMessageStatus(saveCtx, s.messageID, store.StatusStreaming, ""); err != nil {
		d.logger.Error("failed to mark message streaming",
			"error", err, "message_id", s.messageID)
	}

	d.publisher.Publish(s.conversationID, &Event{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Type:           EventStatus,
		Status:         store.StatusStreaming,
	})
}

// commitTerminal persists a terminal status and publishes the final event.
func (d *Dispatcher) commitTerminal(s *activeStream, status, content, detail string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.store.UpdateMessageStatus(saveCtx, s.messageID, status, detail); err != nil {
		d.logger.Error("failed to commit terminal status",
			"error", err,
			"message_id", s.messageID,
			"status", status)
	}

	d.publisher.Publish(s.conversationID, &Event{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Type:           EventStatus,
		Status:         status,
		Content:        content,
		ErrorDetail:    detail,
	})

	d.logger.Info("stream finished",
		"conversation_id", s.conversationID,
		"message_id", s.messageID,
		"status", status,
		"content_len", len(content))
}

func (d *Dispatcher) commitFailed(s *activeStream, content, detail string) {
	d.setState(s, StateFailing)
	d.commitTerminal(s, store.StatusFailed, content, detail)
}

// commitCancelled preserves whatever content arrived before the cancel.
func (d *Dispatcher) commitCancelled(s *activeStream, content string) {
	d.commitTerminal(s, store.StatusCancelled, content, "")
}

// sleep waits for the backoff delay, aborting early on cancellation.
// Returns false if the stream context ended first.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffFor doubles the base delay per attempt: base, 2*base, 4*base, ...
func backoffFor(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}

// retryableError reports whether err is a retryable provider error.
func retryableError(err error) bool {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// errorDetail renders an error for the message's error_detail column.
func errorDetail(err error) string {
	if err == nil {
		return "stream failed"
	}
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return fmt.Sprintf("%s: %s", provErr.Kind, provErr.Message)
	}
	return err.Error()
}
