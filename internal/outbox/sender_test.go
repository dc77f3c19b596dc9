package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/state"
)

// mockAPI answers SendMessage with configurable results. When gates is set
// each call blocks until the gate for its content is closed.
type mockAPI struct {
	mu    sync.Mutex
	calls []restapi.SendRequest
	err   error
	ids   map[string]string
	gates map[string]chan struct{}
}

func (m *mockAPI) SendMessage(ctx context.Context, conversationID string, req restapi.SendRequest) (state.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	gate := m.gates[req.Content]
	id := m.ids[req.Content]
	err := m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return state.Message{}, ctx.Err()
		}
	}
	if err != nil {
		return state.Message{}, err
	}
	if id == "" {
		id = "server-" + req.Content
	}
	return state.Message{ID: id, ConversationID: conversationID, Content: req.Content, Status: state.StatusSent}, nil
}

// mockTransport records emitted events and reports connected as configured.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	events    []string
}

func (m *mockTransport) Send(_ context.Context, name string, _ any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, name)
	return m.connected
}

func (m *mockTransport) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	st := state.New(state.Config{}, logger)
	st.SetIdentity("me")
	st.SetConversations([]state.Conversation{{ID: "C1"}})
	return st
}

func wait(t *testing.T, d *Delivery) (state.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := d.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timeout waiting for delivery")
	}
	return m, err
}

// TestSendWhileDisconnected is the scenario of a send issued with the
// real-time transport down: the message shows as sending, the transport
// drops the event, and the REST confirmation turns it into m_42.
func TestSendWhileDisconnected(t *testing.T) {
	st := testStore(t)
	api := &mockAPI{ids: map[string]string{"hi": "m_42"}, gates: map[string]chan struct{}{"hi": make(chan struct{})}}
	tr := &mockTransport{connected: false}
	logger, _ := zap.NewDevelopment()
	s := NewSender(st, api, tr, nil, logger)

	d, err := s.Send(context.Background(), "me", "C1", "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(d.TempID, TempIDPrefix) {
		t.Errorf("TempID = %q, want temp_ prefix", d.TempID)
	}

	msgs := st.Messages("C1")
	if len(msgs) != 1 || msgs[0].ID != d.TempID || msgs[0].Status != state.StatusSending {
		t.Fatalf("optimistic messages = %+v", msgs)
	}
	conv, _ := st.Conversation("C1")
	if conv.LastMessage == nil || conv.LastMessage.Content != "hi" {
		t.Errorf("LastMessage = %+v, want the optimistic message", conv.LastMessage)
	}

	close(api.gates["hi"])
	m, err := wait(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m_42" {
		t.Errorf("confirmed id = %q, want m_42", m.ID)
	}

	msgs = st.Messages("C1")
	if len(msgs) != 1 || msgs[0].ID != "m_42" || msgs[0].Status != state.StatusSent {
		t.Errorf("messages = %+v, want one m_42 sent", msgs)
	}
	if got := tr.names(); len(got) != 2 || got[0] != "message" || got[1] != "message_sent" {
		t.Errorf("transport events = %v, want [message message_sent]", got)
	}
	if api.calls[0].ClientID != d.TempID {
		t.Errorf("REST clientId = %q, want %q", api.calls[0].ClientID, d.TempID)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	st := testStore(t)
	s := NewSender(st, &mockAPI{}, nil, nil, nil)
	before := st.Version()

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := s.Send(context.Background(), "me", "C1", content, Options{}); !errors.Is(err, ErrEmptyContent) {
			t.Errorf("Send(%q) err = %v, want ErrEmptyContent", content, err)
		}
	}
	if st.Version() != before {
		t.Error("rejected sends must not touch the store")
	}
}

func TestSendFailure(t *testing.T) {
	st := testStore(t)
	b := bus.New()
	ch, unsub := b.Subscribe("message.send_failed", 1)
	defer unsub()
	s := NewSender(st, &mockAPI{err: errors.New("network error")}, nil, b, nil)

	d, err := s.Send(context.Background(), "me", "C1", "will-fail", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, d); err == nil {
		t.Fatal("delivery should report the REST error")
	}

	m, ok := st.Message(d.TempID)
	if !ok || m.Status != state.StatusFailed {
		t.Errorf("message = %+v, want failed", m)
	}
	if !strings.Contains(st.Error(), "network error") {
		t.Errorf("store error = %q", st.Error())
	}
	select {
	case evt := <-ch:
		if p := evt.Payload.(SendFailed); p.TempID != d.TempID {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}
}

func TestReorderedConfirmationsKeepSendOrder(t *testing.T) {
	st := testStore(t)
	api := &mockAPI{gates: map[string]chan struct{}{
		"one":   make(chan struct{}),
		"two":   make(chan struct{}),
		"three": make(chan struct{}),
	}}
	s := NewSender(st, api, nil, nil, nil)

	var deliveries []*Delivery
	for _, content := range []string{"one", "two", "three"} {
		d, err := s.Send(context.Background(), "me", "C1", content, Options{})
		if err != nil {
			t.Fatal(err)
		}
		deliveries = append(deliveries, d)
	}

	for _, content := range []string{"three", "one", "two"} {
		close(api.gates[content])
	}
	for _, d := range deliveries {
		if _, err := wait(t, d); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, m := range st.Messages("C1") {
		got = append(got, m.ID)
	}
	want := []string{"server-one", "server-two", "server-three"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSendWithoutAPIMarksSentLocally(t *testing.T) {
	st := testStore(t)
	s := NewSender(st, nil, nil, nil, nil)

	d, err := s.Send(context.Background(), "me", "C1", "offline", Options{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("delivery without an API should complete immediately")
	}
	m, _ := st.Message(d.TempID)
	if m.Status != state.StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
}

func TestCallerCancellationDoesNotAbortDelivery(t *testing.T) {
	st := testStore(t)
	api := &mockAPI{gates: map[string]chan struct{}{"hi": make(chan struct{})}}
	s := NewSender(st, api, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := s.Send(ctx, "me", "C1", "hi", Options{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	close(api.gates["hi"])

	if _, err := wait(t, d); err != nil {
		t.Fatalf("delivery failed after caller cancel: %v", err)
	}
}

func TestRetry(t *testing.T) {
	st := testStore(t)
	api := &mockAPI{err: errors.New("offline")}
	s := NewSender(st, api, nil, nil, nil)

	d, _ := s.Send(context.Background(), "me", "C1", "again", Options{Priority: state.PriorityHigh})
	_, _ = wait(t, d)

	if _, err := s.Retry(context.Background(), "me", "missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Retry(missing) err = %v, want ErrUnknownMessage", err)
	}

	api.mu.Lock()
	api.err = nil
	api.mu.Unlock()

	d2, err := s.Retry(context.Background(), "me", d.TempID)
	if err != nil {
		t.Fatal(err)
	}
	m, err := wait(t, d2)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "server-again" || m.Priority != state.PriorityHigh {
		t.Errorf("retried message = %+v", m)
	}
	msgs := st.Messages("C1")
	if len(msgs) != 1 || msgs[0].ID != "server-again" {
		t.Errorf("messages = %+v, want only the retried copy", msgs)
	}

	if _, err := s.Retry(context.Background(), "me", "server-again"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry(sent) err = %v, want ErrNotFailed", err)
	}
}

func TestDrain(t *testing.T) {
	st := testStore(t)
	api := &mockAPI{gates: map[string]chan struct{}{"slow": make(chan struct{})}}
	s := NewSender(st, api, nil, nil, nil)
	_, _ = s.Send(context.Background(), "me", "C1", "slow", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain err = %v, want deadline exceeded", err)
	}

	close(api.gates["slow"])
	if err := s.Drain(context.Background()); err != nil {
		t.Errorf("Drain err = %v", err)
	}
}
