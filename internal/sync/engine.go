// Package sync keeps the state store consistent with the server: it applies
// pushed events, loads conversations, messages and unread counts, pages
// older history in, and reports reads.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/router"
	"github.com/matheus3301/chatsync/internal/state"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 20

// ErrUnavailable is returned by request/response operations when no REST
// client is configured.
var ErrUnavailable = errors.New("messaging api unavailable")

// API is the subset of the REST client the engine uses.
type API interface {
	ListConversations(ctx context.Context) ([]state.Conversation, error)
	CreateConversation(ctx context.Context, req restapi.NewConversation) (state.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]state.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	SearchMessages(ctx context.Context, q restapi.SearchQuery) ([]state.Message, error)
	UnreadCounts(ctx context.Context) (restapi.UnreadCounts, error)
}

// Transport emits real-time events.
type Transport interface {
	Send(ctx context.Context, name string, payload any) bool
}

// Engine applies server events to the store and runs the load operations.
type Engine struct {
	store     *state.Store
	api       API
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	pageSize  int

	mu       gosync.Mutex
	loads    int
	paging   map[string]bool
	regs     []router.Registration
	router   *router.Router
	inflight gosync.WaitGroup
}

// NewEngine creates an engine. api and transport may be nil; loads then
// yield empty results and real-time intents are dropped.
func NewEngine(st *state.Store, api API, transport Transport, b *bus.Bus, logger *zap.Logger, pageSize int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{
		store:     st,
		api:       api,
		transport: transport,
		bus:       b,
		logger:    logger.Named("sync"),
		pageSize:  pageSize,
		paging:    make(map[string]bool),
	}
}

// Start registers the engine's handlers on r.
func (e *Engine) Start(r *router.Router) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = r
	e.regs = append(e.regs,
		router.Handle(r, e.onMessageReceived),
		router.Handle(r, e.onMessageDelivered),
		router.Handle(r, e.onMessageRead),
		router.Handle(r, e.onPollCreated),
	)
}

// Stop removes the handlers registered by Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	regs, r := e.regs, e.router
	e.regs = nil
	e.mu.Unlock()
	for _, reg := range regs {
		r.Off(reg)
	}
}

// Drain waits for background REST calls to finish or ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) onMessageReceived(evt router.MessageReceived) {
	m := evt.Message
	if !e.store.ReceiveMessage(m) {
		return
	}
	e.logger.Debug("message received", zap.String("msg_id", m.ID), zap.String("conversation_id", m.ConversationID))
	e.bus.Publish(bus.Event{Kind: bus.MessageReceived, Payload: m.ID})
}

func (e *Engine) onMessageDelivered(evt router.MessageDelivered) {
	e.store.ApplyStatus(evt.MessageID, state.StatusDelivered)
}

func (e *Engine) onMessageRead(evt router.MessageRead) {
	e.store.ApplyStatus(evt.MessageID, state.StatusRead)
}

// onPollCreated shows a new poll as a system message in its conversation.
func (e *Engine) onPollCreated(evt router.PollCreated) {
	p := evt.Poll
	if p.ConversationID == "" {
		e.logger.Warn("poll without conversation", zap.String("poll_id", p.ID))
		return
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = e.store.Now()
	}
	e.store.AddMessage(state.Message{
		ID:             "poll_" + p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.CreatedBy,
		Content:        "Poll: " + p.Question,
		Type:           state.TypePoll,
		Priority:       state.PriorityNormal,
		Status:         state.StatusSent,
		Metadata:       map[string]any{"pollId": p.ID},
		CreatedAt:      created,
		UpdatedAt:      created,
	})
}

// beginLoad and endLoad keep the store's loading flag set while any load
// is in flight. Only the outermost load clears the error, so a failure
// inside Initialize stays visible.
func (e *Engine) beginLoad() {
	e.mu.Lock()
	e.loads++
	first := e.loads == 1
	e.mu.Unlock()
	e.store.SetLoading(true)
	if first {
		e.store.SetError("")
	}
}

func (e *Engine) endLoad() {
	e.mu.Lock()
	e.loads--
	idle := e.loads == 0
	e.mu.Unlock()
	if idle {
		e.store.SetLoading(false)
	}
}

func (e *Engine) fail(what string, err error) {
	e.logger.Error("failed to "+what, zap.Error(err))
	e.store.SetError(fmt.Sprintf("Failed to %s: %v", what, err))
}

// Initialize binds the local identity and loads conversations and unread
// counts.
func (e *Engine) Initialize(ctx context.Context, identity string) {
	e.store.SetIdentity(identity)
	e.beginLoad()
	defer e.endLoad()
	e.LoadConversations(ctx)
	e.LoadUnreadCounts(ctx)
}

// LoadConversations replaces the conversation list with the server's. On
// failure the error is recorded and the list is emptied.
func (e *Engine) LoadConversations(ctx context.Context) {
	e.beginLoad()
	defer e.endLoad()
	if e.api == nil {
		e.store.SetConversations(nil)
		return
	}
	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		e.fail("load conversations", err)
		e.store.SetConversations(nil)
		return
	}
	e.store.SetConversations(convs)
}

// LoadMessages replaces a conversation's messages with the newest page.
// Local messages still sending or failed survive the replacement.
func (e *Engine) LoadMessages(ctx context.Context, conversationID string) {
	e.beginLoad()
	defer e.endLoad()
	if e.api == nil {
		e.store.SetMessages(conversationID, nil)
		e.store.SetHasMore(conversationID, false)
		return
	}
	msgs, err := e.api.ListMessages(ctx, conversationID, e.pageSize, 0)
	if err != nil {
		e.fail("load messages", err)
		e.store.SetMessages(conversationID, nil)
		return
	}
	e.store.SetMessages(conversationID, msgs)
	e.store.SetHasMore(conversationID, len(msgs) >= e.pageSize)
}

// LoadUnreadCounts replaces the unread counters with the server's.
func (e *Engine) LoadUnreadCounts(ctx context.Context) {
	e.beginLoad()
	defer e.endLoad()
	if e.api == nil {
		e.store.SetUnreadCounts(nil)
		return
	}
	counts, err := e.api.UnreadCounts(ctx)
	if err != nil {
		e.fail("load unread counts", err)
		e.store.SetUnreadCounts(nil)
		return
	}
	e.store.SetUnreadCounts(counts.Conversations)
}

// LoadMore prepends the next older page of a conversation. It does nothing
// when the server has no more messages or a page is already loading for
// that conversation. A short page ends pagination. Returns the number of
// messages added.
func (e *Engine) LoadMore(ctx context.Context, conversationID string) int {
	if !e.store.HasMore(conversationID) {
		return 0
	}
	e.mu.Lock()
	if e.paging[conversationID] {
		e.mu.Unlock()
		return 0
	}
	e.paging[conversationID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.paging, conversationID)
		e.mu.Unlock()
	}()

	if e.api == nil {
		e.store.SetHasMore(conversationID, false)
		return 0
	}
	offset := e.store.MessageCount(conversationID)
	page, err := e.api.ListMessages(ctx, conversationID, e.pageSize, offset)
	if err != nil {
		e.fail("load more messages", err)
		return 0
	}
	added := e.store.PrependMessages(conversationID, page)
	if len(page) < e.pageSize {
		e.store.SetHasMore(conversationID, false)
	}
	return added
}

type readNotice struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarkAsRead marks a message read locally, then tells the server over REST
// in the background and over the real-time transport. Repeating the call
// changes nothing and sends nothing. A REST failure is recorded on the
// store without reverting the local change.
func (e *Engine) MarkAsRead(ctx context.Context, identity, messageID string) {
	conversationID, changed := e.store.MarkRead(messageID)
	if !changed {
		return
	}
	if e.transport != nil {
		e.transport.Send(ctx, "message_read", readNotice{
			MessageID:      messageID,
			ConversationID: conversationID,
			UserID:         identity,
		})
	}
	if e.api == nil {
		return
	}
	e.inflight.Add(1)
	go func(ctx context.Context) {
		defer e.inflight.Done()
		if err := e.api.MarkRead(ctx, messageID); err != nil {
			e.fail("mark message as read", err)
		}
	}(context.WithoutCancel(ctx))
}

// MarkConversationRead marks every message of a conversation read locally
// and reports the newest one to the server.
func (e *Engine) MarkConversationRead(ctx context.Context, identity, conversationID string) {
	msgs := e.store.Messages(conversationID)
	if !e.store.MarkConversationRead(conversationID) || len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if e.transport != nil {
		e.transport.Send(ctx, "message_read", readNotice{
			MessageID:      last.ID,
			ConversationID: conversationID,
			UserID:         identity,
		})
	}
}

// DeleteMessage deletes a message on the server and then locally. Messages
// the server never confirmed are only removed locally.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	m, ok := e.store.Message(messageID)
	if !ok {
		return nil
	}
	if m.Status == state.StatusSending || m.Status == state.StatusFailed || e.api == nil {
		e.store.RemoveMessage(m.ID)
		return nil
	}
	if err := e.api.DeleteMessage(ctx, m.ID); err != nil && !errors.Is(err, restapi.ErrNotFound) {
		e.fail("delete message", err)
		return err
	}
	e.store.RemoveMessage(m.ID)
	return nil
}

// SearchMessages runs a server-side search and stores the results. An
// empty query clears them.
func (e *Engine) SearchMessages(ctx context.Context, q restapi.SearchQuery) []state.Message {
	if q.Query == "" || e.api == nil {
		e.store.SetSearchResults(nil)
		return nil
	}
	e.store.SetSearching(true)
	e.store.SetError("")
	defer e.store.SetSearching(false)

	results, err := e.api.SearchMessages(ctx, q)
	if err != nil {
		e.fail("search messages", err)
		e.store.SetSearchResults(nil)
		return nil
	}
	e.store.SetSearchResults(results)
	return results
}

// CreateConversation creates a conversation on the server and puts it at
// the top of the list.
func (e *Engine) CreateConversation(ctx context.Context, req restapi.NewConversation) (state.Conversation, error) {
	if e.api == nil {
		return state.Conversation{}, ErrUnavailable
	}
	if req.Type == "" {
		req.Type = state.ConversationDirect
	}
	e.beginLoad()
	defer e.endLoad()
	conv, err := e.api.CreateConversation(ctx, req)
	if err != nil {
		e.fail("create conversation", err)
		return state.Conversation{}, err
	}
	e.store.UpsertConversation(conv)
	return conv, nil
}
