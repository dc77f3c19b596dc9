package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", user), zap.Error(err))
		return
	}
	c := newClient(conn, user, s.logger)
	if s.hub.register(c) {
		s.setPresence(user, state.PresenceOnline)
	}
	go c.writePump()
	c.readPump(s.handleFrame)
	if s.hub.unregister(c) {
		s.setPresence(user, state.PresenceOffline)
	}
	c.close()
}

func (s *Server) setPresence(user string, status state.PresenceStatus) {
	if err := s.db.SetUserStatus(user, status); err != nil {
		s.logger.Error("failed to store presence", zap.String("user_id", user), zap.Error(err))
	}
	s.hub.Broadcast(user, "user:status", map[string]string{
		"userId": user,
		"status": string(status),
	})
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
}

type readPayload struct {
	MessageID string `json:"messageId"`
}

type statusPayload struct {
	Status state.PresenceStatus `json:"status"`
}

type pollPayload struct {
	ConversationID  string   `json:"conversationId"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	AllowMultiple   bool     `json:"allowMultiple"`
	IsAnonymous     bool     `json:"isAnonymous"`
	DurationSeconds int64    `json:"duration"`
}

type votePayload struct {
	PollID    string   `json:"pollId"`
	OptionIDs []string `json:"optionIds"`
}

type callPayload struct {
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
}

// handleFrame applies one inbound real-time event from c. Failures are
// reported back to the sender as an "error" event.
func (s *Server) handleFrame(c *client, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		s.reject(c, "", errInvalid("malformed frame"))
		return
	}
	s.logger.Debug("inbound event", zap.String("user_id", c.userID), zap.String("event", env.Event))

	var err error
	switch env.Event {
	case "message":
		err = s.onMessage(c, env.Data)
	case "message_read":
		err = s.onRead(c, env.Data)
	case "typing_started", "typing_stopped":
		err = s.onTyping(c, env.Event, env.Data)
	case "user_status":
		var p statusPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			s.setPresence(c.userID, p.Status)
		}
	case "poll_created":
		err = s.onPoll(c, env.Data)
	case "poll_vote":
		var p votePayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			_, err = s.db.Vote(p.PollID, c.userID, p.OptionIDs)
		}
	case "call_started":
		err = s.onCall(c, env.Data)
	case "message_sent", "ai_request":
		// Acknowledged; nothing to do.
	default:
		if strings.HasPrefix(env.Event, "call:") {
			err = s.relayCall(c, env.Event, env.Data)
			break
		}
		s.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
	if err != nil {
		s.reject(c, env.Event, err)
	}
}

func (s *Server) reject(c *client, event string, err error) {
	s.logger.Warn("rejected event", zap.String("user_id", c.userID), zap.String("event", event), zap.Error(err))
	s.hub.SendToUser(c.userID, "error", map[string]string{"event": event, "message": err.Error()})
}

func (s *Server) onMessage(c *client, data json.RawMessage) error {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errInvalid("malformed message: " + err.Error())
	}
	m, created, err := s.db.InsertMessage(req.toStore(c.userID))
	if err != nil {
		return err
	}
	if created {
		s.publishMessage(m)
	}
	return nil
}

func (s *Server) onRead(c *client, data json.RawMessage) error {
	var p readPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errInvalid("malformed read receipt: " + err.Error())
	}
	m, changed, err := s.db.MarkRead(p.MessageID, c.userID)
	if err != nil {
		return err
	}
	if changed {
		s.publishRead(m, c.userID)
	}
	return nil
}

func (s *Server) onTyping(c *client, event string, data json.RawMessage) error {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errInvalid("malformed typing event: " + err.Error())
	}
	participants, err := s.conversationMembers(p.ConversationID, c.userID)
	if err != nil {
		return err
	}
	name := "typing:started"
	if event == "typing_stopped" {
		name = "typing:stopped"
	}
	s.hub.SendToUsers(participants, c.userID, name, map[string]string{
		"conversationId": p.ConversationID,
		"userId":         c.userID,
	})
	return nil
}

func (s *Server) onPoll(c *client, data json.RawMessage) error {
	var p pollPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errInvalid("malformed poll: " + err.Error())
	}
	var d time.Duration
	if p.DurationSeconds > 0 {
		d = time.Duration(p.DurationSeconds) * time.Second
	}
	poll, err := s.db.CreatePoll(store.NewPoll{
		ConversationID: p.ConversationID,
		CreatedBy:      c.userID,
		Question:       p.Question,
		Options:        p.Options,
		AllowMultiple:  p.AllowMultiple,
		IsAnonymous:    p.IsAnonymous,
		Duration:       d,
	})
	if err != nil {
		return err
	}
	participants, err := s.db.Participants(poll.ConversationID)
	if err != nil {
		return err
	}
	s.hub.SendToUsers(participants, "", "poll:created", poll)
	return nil
}

func (s *Server) onCall(c *client, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errInvalid("malformed call: " + err.Error())
	}
	participants, err := s.conversationMembers(p.ConversationID, c.userID)
	if err != nil {
		return err
	}
	s.hub.SendToUsers(participants, c.userID, "call:incoming", map[string]string{
		"conversationId": p.ConversationID,
		"callType":       p.CallType,
		"callerId":       c.userID,
	})
	return nil
}

// relayCall forwards call:* signaling untouched to the other participants.
func (s *Server) relayCall(c *client, event string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errInvalid("malformed call signal: " + err.Error())
	}
	participants, err := s.conversationMembers(p.ConversationID, c.userID)
	if err != nil {
		return err
	}
	s.hub.SendToUsers(participants, c.userID, event, data)
	return nil
}

// conversationMembers returns the participants of a conversation user
// belongs to.
func (s *Server) conversationMembers(conversationID, user string) ([]string, error) {
	participants, err := s.db.Participants(conversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p == user {
			return participants, nil
		}
	}
	return nil, store.ErrForbidden
}
