// ABOUTME: Tests for the streaming dispatcher state machine
// ABOUTME: Covers conflicts, retries, cancellation, idle timeout and batched persistence

package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/store"
)

// attempt scripts one Stream call of the fake adapter.
type attempt struct {
	err    *provider.Error        // pre-stream failure, returned from Stream
	events []provider.StreamEvent // emitted in order, then the channel closes
	block  bool                   // emit events, then hold the stream open until cancelled
}

type fakeAdapter struct {
	mu       sync.Mutex
	attempts []attempt
	calls    int
}

func (a *fakeAdapter) Kind() provider.Kind { return provider.KindOpenAI }

func (a *fakeAdapter) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (a *fakeAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.mu.Unlock()

	if idx >= len(a.attempts) {
		return nil, &provider.Error{Kind: provider.ErrKindUnknown, Message: "unscripted attempt"}
	}
	att := a.attempts[idx]
	if att.err != nil {
		return nil, att.err
	}

	events := make(chan provider.StreamEvent, len(att.events)+1)
	go func() {
		defer close(events)
		for _, ev := range att.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if att.block {
			<-ctx.Done()
		}
	}()
	return events, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// memStore is an in-memory Store capturing every mutation.
type memStore struct {
	mu       sync.Mutex
	messages map[string]*store.Message
	order    []string
	appends  []string // content deltas, in commit order
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]*store.Message)}
}

func (m *memStore) ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.ConversationID == conversationID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	copied.Seq = len(m.order)
	m.messages[msg.ID] = &copied
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *memStore) AppendMessageContent(ctx context.Context, id, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Content += delta
	m.appends = append(m.appends, delta)
	return nil
}

func (m *memStore) UpdateMessageStatus(ctx context.Context, id, status, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Status = status
	msg.ErrorDetail = errorDetail
	return nil
}

func (m *memStore) message(id string) store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.messages[id]
}

func (m *memStore) appendDeltas() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.appends...)
}

// capturePublisher records events and signals terminal statuses.
type capturePublisher struct {
	mu       sync.Mutex
	events   []*Event
	terminal chan *Event
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{terminal: make(chan *Event, 8)}
}

func (p *capturePublisher) Publish(conversationID string, ev *Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if ev.Type == EventStatus && store.IsTerminalStatus(ev.Status) {
		p.terminal <- ev
	}
}

func (p *capturePublisher) all() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

// gatedPublisher stalls the first token delivery so later adapter events
// pile up in the stream's channel buffer.
type gatedPublisher struct {
	inner   *capturePublisher
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{
		inner:   newCapturePublisher(),
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedPublisher) Publish(conversationID string, ev *Event) {
	if ev.Type == EventToken {
		p.once.Do(func() {
			close(p.arrived)
			<-p.release
		})
	}
	p.inner.Publish(conversationID, ev)
}

func waitTerminal(t *testing.T, p *capturePublisher) *Event {
	t.Helper()
	select {
	case ev := <-p.terminal:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return nil
	}
}

func tokens(parts ...string) []provider.StreamEvent {
	var out []provider.StreamEvent
	for _, p := range parts {
		out = append(out, provider.StreamEvent{Type: provider.EventToken, Text: p})
	}
	return out
}

func done() provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventDone}
}

func testPolicy() Policy {
	return Policy{
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		IdleTimeout:   2 * time.Second,
		FlushEvery:    1,
	}
}

func newTestDispatcher(t *testing.T, st Store, policy Policy) (*Dispatcher, *capturePublisher) {
	t.Helper()
	pub := newCapturePublisher()
	d := New(st, pub, policy, nil, nil)
	t.Cleanup(d.Close)
	return d, pub
}

func seedUserMessage(t *testing.T, st *memStore, conversationID, content string) {
	t.Helper()
	require.NoError(t, st.AppendMessage(context.Background(), &store.Message{
		ID:             fmt.Sprintf("user-%d", len(st.order)),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
		Status:         store.StatusComplete,
	}))
}

func submitReq(adapter provider.Adapter) SubmitRequest {
	return SubmitRequest{
		ConversationID: "conv-1",
		Adapter:        adapter,
		Model:          "gpt-4o-mini",
		ContextBudget:  24000,
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("Hel", "lo", " world"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusComplete, ev.Status)
	assert.Equal(t, "Hello world", ev.Content)
	assert.Equal(t, msgID, ev.MessageID)

	saved := st.message(msgID)
	assert.Equal(t, store.StatusComplete, saved.Status)
	assert.Equal(t, "Hello world", saved.Content)
	assert.Equal(t, store.RoleAssistant, saved.Role)

	// Token deltas arrive in order, before the terminal status
	var got []string
	for _, e := range pub.all() {
		if e.Type == EventToken {
			got = append(got, e.Text)
		}
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, got)
}

func TestSubmit_ConflictWhileStreaming(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: tokens("partial"), block: true},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	// Wait until the stream is demonstrably active
	require.Eventually(t, func() bool {
		return d.State("conv-1") == StateStreaming
	}, 5*time.Second, 5*time.Millisecond)

	_, err = d.Submit(context.Background(), submitReq(adapter))
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, d.Cancel("conv-1"))
	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusCancelled, ev.Status)
}

func TestSubmit_ConcurrentConversationsAreIndependent(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	seedUserMessage(t, st, "conv-2", "hola")
	blocking := &fakeAdapter{attempts: []attempt{{block: true}}}
	quick := &fakeAdapter{attempts: []attempt{{events: append(tokens("hi"), done())}}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	_, err := d.Submit(context.Background(), submitReq(blocking))
	require.NoError(t, err)

	req := submitReq(quick)
	req.ConversationID = "conv-2"
	_, err = d.Submit(context.Background(), req)
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, "conv-2", ev.ConversationID)
	assert.Equal(t, store.StatusComplete, ev.Status)

	require.NoError(t, d.Cancel("conv-1"))
	ev = waitTerminal(t, pub)
	assert.Equal(t, "conv-1", ev.ConversationID)
	assert.Equal(t, store.StatusCancelled, ev.Status)
}

func TestCancel_PreservesPartialContent(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "tell me a story")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: tokens("Once ", "upon ", "a time"), block: true},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	// Let all three tokens land before cancelling
	require.Eventually(t, func() bool {
		count := 0
		for _, e := range pub.all() {
			if e.Type == EventToken {
				count++
			}
		}
		return count == 3
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Cancel("conv-1"))
	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusCancelled, ev.Status)
	assert.Equal(t, "Once upon a time", ev.Content)

	saved := st.message(msgID)
	assert.Equal(t, store.StatusCancelled, saved.Status)
	assert.Equal(t, "Once upon a time", saved.Content)
	assert.Equal(t, StateIdle, d.State("conv-1"))
}

func TestCancel_DropsQueuedTokens(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: tokens("one", "two", "three", "four", "five"), block: true},
	}}
	pub := newGatedPublisher()
	d := New(st, pub, testPolicy(), nil, nil)
	t.Cleanup(d.Close)

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	// The first token is mid-delivery; the other four sit in the adapter's
	// channel buffer when the cancel lands.
	<-pub.arrived
	cancelErr := make(chan error, 1)
	go func() { cancelErr <- d.Cancel("conv-1") }()
	require.Eventually(t, func() bool {
		return d.State("conv-1") == StateCancelling
	}, 5*time.Second, time.Millisecond)
	close(pub.release)
	require.NoError(t, <-cancelErr)

	ev := waitTerminal(t, pub.inner)
	assert.Equal(t, store.StatusCancelled, ev.Status)
	assert.Equal(t, "one", ev.Content)

	saved := st.message(msgID)
	assert.Equal(t, store.StatusCancelled, saved.Status)
	assert.Equal(t, "one", saved.Content)

	// Nothing queued behind the cancel reached subscribers
	var delivered []string
	for _, e := range pub.inner.all() {
		if e.Type == EventToken {
			delivered = append(delivered, e.Text)
		}
	}
	assert.Equal(t, []string{"one"}, delivered)
}

func TestCancel_NoActiveStream(t *testing.T) {
	d, _ := newTestDispatcher(t, newMemStore(), testPolicy())
	assert.ErrorIs(t, d.Cancel("conv-1"), ErrNoActiveStream)
}

func TestSubmit_RecordsUserMessageBeforeStreaming(t *testing.T) {
	st := newMemStore()
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("Hi"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	req := submitReq(adapter)
	req.UserMessage = &store.Message{
		ID:             "user-1",
		ConversationID: "conv-1",
		Role:           store.RoleUser,
		Content:        "hello",
		Status:         store.StatusComplete,
	}
	msgID, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	waitTerminal(t, pub)

	messages, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user-1", messages[0].ID)
	assert.Equal(t, 0, messages[0].Seq)
	assert.Equal(t, msgID, messages[1].ID)
	assert.Equal(t, "Hi", messages[1].Content)
}

func TestSubmit_ConflictPersistsNothing(t *testing.T) {
	st := newMemStore()
	adapter := &fakeAdapter{attempts: []attempt{{block: true}}}
	d, _ := newTestDispatcher(t, st, testPolicy())

	winner := submitReq(adapter)
	winner.UserMessage = &store.Message{
		ID: "user-1", ConversationID: "conv-1",
		Role: store.RoleUser, Content: "first", Status: store.StatusComplete,
	}
	_, err := d.Submit(context.Background(), winner)
	require.NoError(t, err)

	loser := submitReq(adapter)
	loser.UserMessage = &store.Message{
		ID: "user-2", ConversationID: "conv-1",
		Role: store.RoleUser, Content: "second", Status: store.StatusComplete,
	}
	_, err = d.Submit(context.Background(), loser)
	require.ErrorIs(t, err, ErrConflict)

	// Only the winning turn and its pending assistant message were written
	messages, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user-1", messages[0].ID)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
}

func TestSubmit_RetriesThenSucceeds(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	rateLimited := &provider.Error{Kind: provider.ErrKindRateLimited, Message: "HTTP 429", Retryable: true}
	adapter := &fakeAdapter{attempts: []attempt{
		{err: rateLimited},
		{err: rateLimited},
		{events: append(tokens("ok"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusComplete, ev.Status)
	assert.Equal(t, "ok", ev.Content)
	assert.Equal(t, 3, adapter.callCount())

	saved := st.message(msgID)
	assert.Equal(t, "ok", saved.Content)
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	rateLimited := &provider.Error{Kind: provider.ErrKindRateLimited, Message: "HTTP 429", Retryable: true}
	adapter := &fakeAdapter{attempts: []attempt{
		{err: rateLimited}, {err: rateLimited}, {err: rateLimited}, {err: rateLimited},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusFailed, ev.Status)
	assert.Contains(t, ev.ErrorDetail, "rate_limited")
	// Initial attempt plus three retries
	assert.Equal(t, 4, adapter.callCount())

	saved := st.message(msgID)
	assert.Equal(t, store.StatusFailed, saved.Status)
	assert.Contains(t, saved.ErrorDetail, "rate_limited")
}

func TestSubmit_NonRetryableStopsRetrying(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	rateLimited := &provider.Error{Kind: provider.ErrKindRateLimited, Message: "HTTP 429", Retryable: true}
	adapter := &fakeAdapter{attempts: []attempt{
		{err: rateLimited},
		{err: rateLimited},
		{err: rateLimited},
		{err: &provider.Error{Kind: provider.ErrKindAuth, Message: "HTTP 401", Retryable: false}},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	// Three rate limits are retried; the auth failure surfaces immediately
	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusFailed, ev.Status)
	assert.Contains(t, ev.ErrorDetail, "auth")
	assert.Equal(t, 4, adapter.callCount())
}

func TestSubmit_NoRetryAfterPartialContent(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("par", "tial"), provider.StreamEvent{
			Type: provider.EventError,
			Err:  &provider.Error{Kind: provider.ErrKindNetwork, Message: "connection reset", Retryable: true},
		})},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusFailed, ev.Status)
	assert.Equal(t, "partial", ev.Content)
	assert.Equal(t, 1, adapter.callCount())

	saved := st.message(msgID)
	assert.Equal(t, "partial", saved.Content)
	assert.Contains(t, saved.ErrorDetail, "network")
}

func TestSubmit_MidStreamRetryableBeforeTokensRetries(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: []provider.StreamEvent{{
			Type: provider.EventError,
			Err:  &provider.Error{Kind: provider.ErrKindNetwork, Message: "connection reset", Retryable: true},
		}}},
		{events: append(tokens("recovered"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusComplete, ev.Status)
	assert.Equal(t, "recovered", ev.Content)
	assert.Equal(t, 2, adapter.callCount())
}

func TestSubmit_IdleTimeoutFailsTurn(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{{block: true}}}
	policy := testPolicy()
	policy.RetryAttempts = 0
	policy.IdleTimeout = 50 * time.Millisecond
	d, pub := newTestDispatcher(t, st, policy)

	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusFailed, ev.Status)
	assert.Contains(t, ev.ErrorDetail, "no stream activity")
}

func TestSubmit_FlushBatchesPersistence(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("a", "b", "c", "d", "e"), done())},
	}}
	policy := testPolicy()
	policy.FlushEvery = 2
	d, pub := newTestDispatcher(t, st, policy)

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)
	waitTerminal(t, pub)

	// Five tokens, flushed every two deltas plus the terminal flush
	assert.Equal(t, []string{"ab", "cd", "e"}, st.appendDeltas())
	assert.Equal(t, "abcde", st.message(msgID).Content)
}

func TestSubmit_MarksStreamingOnFirstToken(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("x"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)
	waitTerminal(t, pub)

	var statuses []string
	for _, e := range pub.all() {
		if e.Type == EventStatus {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []string{store.StatusStreaming, store.StatusComplete}, statuses)
}

func TestState_ReturnsIdleAfterCompletion(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("x"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	assert.Equal(t, StateIdle, d.State("conv-1"))
	_, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)
	waitTerminal(t, pub)

	require.Eventually(t, func() bool {
		return d.State("conv-1") == StateIdle
	}, 5*time.Second, 5*time.Millisecond)
}

func TestClose_CancelsActiveStreams(t *testing.T) {
	st := newMemStore()
	seedUserMessage(t, st, "conv-1", "hello")
	adapter := &fakeAdapter{attempts: []attempt{
		{events: tokens("partial "), block: true},
	}}
	pub := newCapturePublisher()
	d := New(st, pub, testPolicy(), nil, nil)

	msgID, err := d.Submit(context.Background(), submitReq(adapter))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(st.message(msgID).Content, "partial")
	}, 5*time.Second, 5*time.Millisecond)

	d.Close()
	saved := st.message(msgID)
	assert.Equal(t, store.StatusCancelled, saved.Status)
	assert.Equal(t, "partial ", saved.Content)
}

func TestSubmit_EndToEndWithSQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID: "conv-1", ProviderID: "local", Model: "llama3.2", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		ID:             "user-1",
		ConversationID: "conv-1",
		Role:           store.RoleUser,
		Content:        "Hello",
		Status:         store.StatusComplete,
		CreatedAt:      now,
	}))

	adapter := &fakeAdapter{attempts: []attempt{
		{events: append(tokens("Hi", " there", "!"), done())},
	}}
	d, pub := newTestDispatcher(t, st, testPolicy())

	msgID, err := d.Submit(ctx, submitReq(adapter))
	require.NoError(t, err)
	ev := waitTerminal(t, pub)
	assert.Equal(t, store.StatusComplete, ev.Status)

	// History shows the user turn then the assistant turn, gapless
	messages, err := st.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, 0, messages[0].Seq)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, store.StatusComplete, messages[0].Status)

	assert.Equal(t, 1, messages[1].Seq)
	assert.Equal(t, msgID, messages[1].ID)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hi there!", messages[1].Content)
	assert.Equal(t, store.StatusComplete, messages[1].Status)
}
