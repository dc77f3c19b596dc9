package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matheus3301/chatsync/internal/state"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", Token: "tok", UserID: "me"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "::"} {
		if _, err := New(Config{BaseURL: u}, nil); err == nil {
			t.Errorf("New(%q) should fail", u)
		}
	}
}

func TestSendMessage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations/C1/messages" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("X-User-ID") != "me" {
			t.Errorf("headers = %v", r.Header)
		}
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Content != "hi" || req.ClientID != "temp_1" {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(state.Message{ID: "m_42", ConversationID: "C1", Content: "hi", Status: state.StatusSent})
	})

	m, err := c.SendMessage(context.Background(), "C1", SendRequest{Content: "hi", ClientID: "temp_1", Type: state.TypeText})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m_42" {
		t.Errorf("id = %q, want m_42", m.ID)
	}
}

func TestListMessagesQuery(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "20" || q.Get("offset") != "40" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":"m1","conversationId":"C1"},{"id":"m2","conversationId":"C1"}]`))
	})

	msgs, err := c.ListMessages(context.Background(), "C1", 20, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSearchQuery(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/messages/search" || q.Get("q") != "lunch" || q.Get("senderId") != "bob" || q.Has("type") {
			t.Errorf("got %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[]`))
	})
	if _, err := c.SearchMessages(context.Background(), SearchQuery{Query: "lunch", SenderID: "bob"}); err != nil {
		t.Fatal(err)
	}
}

func TestUnreadCounts(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total":3,"conversations":{"U2":1,"U3":2}}`))
	})
	got, err := c.UnreadCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != 3 || got.Conversations["U3"] != 2 {
		t.Errorf("counts = %+v", got)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		notFound bool
	}{
		{"not found", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})
			err := c.MarkRead(context.Background(), "m1")
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Fatalf("err = %v, want StatusError %d", err, tt.code)
			}
			if errors.Is(err, ErrNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v", !tt.notFound, tt.notFound)
			}
		})
	}
}

func TestNoContent(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/messages/m1" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
}
