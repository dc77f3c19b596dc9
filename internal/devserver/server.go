// Package devserver is a development backend for the engine: the REST API
// under /api and the real-time websocket at /ws, backed by internal/store.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

// Config configures a Server. An empty Token accepts any caller that
// names itself with X-User-ID.
type Config struct {
	Token string
}

// Server serves the REST and real-time APIs.
type Server struct {
	db       *store.DB
	hub      *Hub
	token    string
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a server over an open, migrated database.
func New(cfg Config, db *store.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		db:     db,
		hub:    NewHub(logger),
		token:  cfg.Token,
		logger: logger.Named("devserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/conversations", s.auth(s.listConversations))
	s.mux.HandleFunc("POST /api/conversations", s.auth(s.createConversation))
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.auth(s.listMessages))
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.auth(s.sendMessage))
	s.mux.HandleFunc("PUT /api/messages/{id}/read", s.auth(s.markRead))
	s.mux.HandleFunc("DELETE /api/messages/{id}", s.auth(s.deleteMessage))
	s.mux.HandleFunc("GET /api/messages/search", s.auth(s.searchMessages))
	s.mux.HandleFunc("GET /api/messages/unread-count", s.auth(s.unreadCount))
	s.mux.HandleFunc("GET /api/polls/{id}", s.auth(s.getPoll))
	s.mux.HandleFunc("GET /ws", s.auth(s.serveWS))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Hub returns the real-time hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects every real-time client.
func (s *Server) Close() {
	s.hub.Close()
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// auth resolves the caller from X-User-ID (or ?userId= on /ws, where
// browsers cannot set headers) and checks the bearer token when one is
// configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				got = r.URL.Query().Get("token")
			}
			if got != s.token {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		user := r.Header.Get("X-User-ID")
		if user == "" {
			user = r.URL.Query().Get("userId")
		}
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-ID")
			return
		}
		if err := s.db.UpsertUser(user, ""); err != nil {
			s.fail(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the websocket upgrader reach the hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// fail maps store errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// publishMessage fans a stored message out to its conversation and, when
// another participant is online, tells the sender it was delivered.
func (s *Server) publishMessage(m state.Message) {
	participants, err := s.db.Participants(m.ConversationID)
	if err != nil {
		s.logger.Error("failed to load participants", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		return
	}
	// Recipients get their own view of the row: not yet read by them.
	fresh := m
	fresh.IsRead = false
	s.hub.SendToUser(m.SenderID, "message:received", m)
	s.hub.SendToUsers(participants, m.SenderID, "message:received", fresh)

	for _, p := range participants {
		if p != m.SenderID && s.hub.Online(p) {
			s.hub.SendToUser(m.SenderID, "message:delivered", map[string]string{
				"messageId":      m.ID,
				"conversationId": m.ConversationID,
			})
			return
		}
	}
}

// publishRead tells the sender that reader has read their message.
func (s *Server) publishRead(m state.Message, reader string) {
	s.hub.SendToUser(m.SenderID, "message:read", map[string]string{
		"messageId":      m.ID,
		"conversationId": m.ConversationID,
		"userId":         reader,
	})
}
