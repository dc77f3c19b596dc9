package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errInvalid("malformed JSON body: " + err.Error())
	}
	return nil
}

type invalidError string

func (e invalidError) Error() string { return string(e) }
func (e invalidError) Unwrap() error { return store.ErrInvalid }

func errInvalid(msg string) error { return invalidError(msg) }

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errInvalid(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.db.ListConversations(userFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	if convs == nil {
		convs = []state.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Type         state.ConversationType `json:"type"`
	Participants []string               `json:"participants"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user := userFrom(r.Context())
	c, err := s.db.CreateConversation(user, store.NewConversation{
		Name:         req.Name,
		Description:  req.Description,
		Type:         req.Type,
		Participants: req.Participants,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.fail(w, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.db.ListMessagesFor(r.PathValue("id"), userFrom(r.Context()), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessageRequest mirrors the real-time "message" payload, so both
// paths decode the same shape.
type sendMessageRequest struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           state.MessageType `json:"type"`
	Priority       state.Priority    `json:"priority"`
	ReplyToID      string            `json:"replyToId"`
	ClientID       string            `json:"clientId"`
	IsEncrypted    bool              `json:"isEncrypted"`
	Metadata       map[string]any    `json:"metadata"`
}

func (req sendMessageRequest) toStore(sender string) store.NewMessage {
	return store.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       sender,
		ClientID:       req.ClientID,
		Content:        req.Content,
		Type:           req.Type,
		Priority:       req.Priority,
		IsEncrypted:    req.IsEncrypted,
		ReplyToID:      req.ReplyToID,
		Metadata:       req.Metadata,
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	req.ConversationID = r.PathValue("id")
	m, created, err := s.db.InsertMessage(req.toStore(userFrom(r.Context())))
	if err != nil {
		s.fail(w, err)
		return
	}
	if created {
		s.publishMessage(m)
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	m, changed, err := s.db.MarkRead(r.PathValue("id"), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	if changed {
		s.publishRead(m, user)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.DeleteMessage(r.PathValue("id"), userFrom(r.Context())); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit")
	if err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.db.SearchMessages(userFrom(r.Context()), store.SearchFilter{
		Query:          q.Get("q"),
		ConversationID: q.Get("conversationId"),
		Type:           state.MessageType(q.Get("type")),
		SenderID:       q.Get("senderId"),
		Limit:          limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	total, counts, err := s.db.UnreadCounts(userFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         total,
		"conversations": counts,
	})
}

func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	p, err := s.db.GetPoll(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	ok, err := s.db.IsParticipant(p.ConversationID, userFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
