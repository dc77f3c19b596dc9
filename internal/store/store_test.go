package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matheus3301/chatsync/internal/state"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Every row gets a distinct, increasing timestamp.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})
	return db
}

func group(t *testing.T, db *DB, creator string, others ...string) state.Conversation {
	t.Helper()
	c, err := db.CreateConversation(creator, NewConversation{Name: "team", Type: state.ConversationGroup, Participants: others})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func send(t *testing.T, db *DB, convID, sender, content string) state.Message {
	t.Helper()
	m, _, err := db.InsertMessage(NewMessage{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	core, logs := observer.New(zap.InfoLevel)
	result, err := db.Migrate(zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + polls)", result.Version)
	}

	entries := logs.FilterMessage("schema ready").All()
	if len(entries) != 1 {
		t.Fatalf("schema ready logged %d times, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["version"]; got != uint64(2) {
		t.Errorf("logged version = %v, want 2", got)
	}
}

func TestSchemaVersionOnFreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	version, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion on a fresh db: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("version = %d dirty = %v, want 0 and clean", version, dirty)
	}

	if _, err := db.Migrate(nil); err != nil {
		t.Fatal(err)
	}
	if version, _, _ := db.SchemaVersion(); version != 2 {
		t.Errorf("version after Migrate = %d, want 2", version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert user", "INSERT INTO users (id, display_name, status, updated_at) VALUES (?, ?, ?, ?)", []any{"u1", "Ana", "online", 1000}},
		{"insert conversation", "INSERT INTO conversations (id, name, description, type, created_by, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"c1", "n", "d", "group", "u1", 1000, 1000}},
		{"insert participant", "INSERT INTO participants (conversation_id, user_id, position) VALUES (?, ?, ?)", []any{"c1", "u1", 0}},
		{"insert message", "INSERT INTO messages (id, conversation_id, sender_id, client_id, content, type, priority, is_encrypted, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "u1", "temp_1", "hi", "text", "normal", false, `{"k":1}`, 1000, 1000}},
		{"insert read", "INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)", []any{"m1", "u2", 1000}},
		{"insert poll", "INSERT INTO polls (id, conversation_id, created_by, question, created_at) VALUES (?, ?, ?, ?, ?)", []any{"p1", "c1", "u1", "q", 1000}},
		{"insert poll option", "INSERT INTO poll_options (id, poll_id, position, text) VALUES (?, ?, ?, ?)", []any{"o1", "p1", 0, "yes"}},
		{"insert vote", "INSERT INTO poll_votes (poll_id, option_id, user_id) VALUES (?, ?, ?)", []any{"p1", "o1", "u1"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestCreateConversation(t *testing.T) {
	db := testDB(t)

	c, err := db.CreateConversation("alice", NewConversation{
		Name:         "team",
		Type:         state.ConversationGroup,
		Participants: []string{"bob", "alice", "carol", "bob"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alice", "bob", "carol"}; !slices.Equal(c.Participants, want) {
		t.Errorf("participants = %v, want %v", c.Participants, want)
	}
	if c.Type != state.ConversationGroup || c.Name != "team" {
		t.Errorf("conversation = %+v", c)
	}

	tests := []struct {
		name string
		nc   NewConversation
	}{
		{"direct with nobody", NewConversation{Type: state.ConversationDirect}},
		{"direct with two others", NewConversation{Type: state.ConversationDirect, Participants: []string{"bob", "carol"}}},
		{"default type is direct", NewConversation{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.CreateConversation("alice", tt.nc); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}

	d, err := db.CreateConversation("alice", NewConversation{Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if d.Type != state.ConversationDirect {
		t.Errorf("type = %s, want direct", d.Type)
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)

	older := group(t, db, "alice", "bob")
	newer := group(t, db, "alice", "carol")
	group(t, db, "bob", "carol")

	send(t, db, older.ID, "bob", "one")
	send(t, db, older.ID, "bob", "two")

	convs, err := db.ListConversations("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	// The message bumped the older conversation to the top.
	if convs[0].ID != older.ID || convs[1].ID != newer.ID {
		t.Errorf("order = [%s %s], want [%s %s]", convs[0].ID, convs[1].ID, older.ID, newer.ID)
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", convs[0].UnreadCount)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Content != "two" {
		t.Errorf("last message = %+v, want two", convs[0].LastMessage)
	}
	if convs[1].LastMessage != nil {
		t.Errorf("empty conversation has last message %+v", convs[1].LastMessage)
	}

	if _, err := db.GetConversation("missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(missing) err = %v, want ErrNotFound", err)
	}
}

func TestInsertMessageIdempotentOnClientID(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")

	nm := NewMessage{ConversationID: c.ID, SenderID: "alice", ClientID: "temp_1", Content: "hi", Metadata: map[string]any{"k": "v"}}
	first, created, err := db.InsertMessage(nm)
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v", created, err)
	}
	second, created, err := db.InsertMessage(nm)
	if err != nil || created {
		t.Fatalf("second insert = %v, %v", created, err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if first.ClientID != "temp_1" || first.Type != state.TypeText || first.Priority != state.PriorityNormal {
		t.Errorf("message = %+v", first)
	}
	if first.Metadata["k"] != "v" {
		t.Errorf("metadata = %v", first.Metadata)
	}

	// The same client id from another sender is a different message.
	other, created, err := db.InsertMessage(NewMessage{ConversationID: c.ID, SenderID: "bob", ClientID: "temp_1", Content: "hey"})
	if err != nil || !created || other.ID == first.ID {
		t.Errorf("bob's insert = %+v, %v, %v", other, created, err)
	}

	msgs, err := db.ListMessages(c.ID, "alice", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestInsertMessageRejects(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")

	tests := []struct {
		name string
		nm   NewMessage
		want error
	}{
		{"empty content", NewMessage{ConversationID: c.ID, SenderID: "alice", Content: "  "}, ErrInvalid},
		{"unknown conversation", NewMessage{ConversationID: "nope", SenderID: "alice", Content: "x"}, ErrNotFound},
		{"outsider", NewMessage{ConversationID: c.ID, SenderID: "mallory", Content: "x"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := db.InsertMessage(tt.nm); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")
	for i := 1; i <= 45; i++ {
		send(t, db, c.ID, "bob", fmt.Sprintf("message %d", i))
	}

	tests := []struct {
		offset      int
		wantLen     int
		first, last string
	}{
		{0, 20, "message 26", "message 45"},
		{20, 20, "message 6", "message 25"},
		{40, 5, "message 1", "message 5"},
		{45, 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("offset %d", tt.offset), func(t *testing.T) {
			msgs, err := db.ListMessages(c.ID, "alice", 20, tt.offset)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != tt.wantLen {
				t.Fatalf("got %d messages, want %d", len(msgs), tt.wantLen)
			}
			if tt.wantLen == 0 {
				return
			}
			if msgs[0].Content != tt.first || msgs[len(msgs)-1].Content != tt.last {
				t.Errorf("page = %q..%q, want %q..%q", msgs[0].Content, msgs[len(msgs)-1].Content, tt.first, tt.last)
			}
		})
	}

	if _, err := db.ListMessagesFor(c.ID, "mallory", 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider err = %v, want ErrForbidden", err)
	}
}

func TestMarkRead(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")
	m := send(t, db, c.ID, "alice", "hello")

	if got, _ := db.GetMessage(m.ID, "bob"); got.IsRead || got.Status != state.StatusSent {
		t.Errorf("before read: isRead=%v status=%s", got.IsRead, got.Status)
	}

	if _, changed, err := db.MarkRead(m.ID, "alice"); err != nil || changed {
		t.Errorf("sender MarkRead = %v, %v; want unchanged", changed, err)
	}
	if _, changed, err := db.MarkRead(m.ID, "bob"); err != nil || !changed {
		t.Fatalf("MarkRead = %v, %v", changed, err)
	}
	if _, changed, _ := db.MarkRead(m.ID, "bob"); changed {
		t.Error("second MarkRead should not change anything")
	}

	forBob, _ := db.GetMessage(m.ID, "bob")
	if !forBob.IsRead {
		t.Error("bob should see the message as read")
	}
	forAlice, _ := db.GetMessage(m.ID, "alice")
	if forAlice.Status != state.StatusRead {
		t.Errorf("sender status = %s, want read", forAlice.Status)
	}

	if _, _, err := db.MarkRead("missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
	if _, _, err := db.MarkRead(m.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider err = %v, want ErrForbidden", err)
	}
}

func TestUnreadCounts(t *testing.T) {
	db := testDB(t)
	c1 := group(t, db, "alice", "bob")
	c2 := group(t, db, "alice", "carol")

	m := send(t, db, c1.ID, "bob", "a")
	send(t, db, c1.ID, "bob", "b")
	send(t, db, c2.ID, "carol", "c")
	send(t, db, c2.ID, "alice", "mine")

	total, counts, err := db.UnreadCounts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || counts[c1.ID] != 2 || counts[c2.ID] != 1 {
		t.Errorf("total = %d counts = %v", total, counts)
	}

	if _, _, err := db.MarkRead(m.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	total, counts, _ = db.UnreadCounts("alice")
	if total != 2 || counts[c1.ID] != 1 {
		t.Errorf("after read: total = %d counts = %v", total, counts)
	}

	total, counts, _ = db.UnreadCounts("dave")
	if total != 0 || len(counts) != 0 {
		t.Errorf("stranger: total = %d counts = %v", total, counts)
	}
}

func TestDeleteMessage(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")
	m := send(t, db, c.ID, "alice", "oops")
	if _, _, err := db.MarkRead(m.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	if _, err := db.DeleteMessage(m.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("delete by other err = %v, want ErrForbidden", err)
	}
	deleted, err := db.DeleteMessage(m.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if deleted.ConversationID != c.ID {
		t.Errorf("deleted = %+v", deleted)
	}
	if _, err := db.GetMessage(m.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	var reads int
	if err := db.QueryRow(`SELECT COUNT(*) FROM message_reads`).Scan(&reads); err != nil {
		t.Fatal(err)
	}
	if reads != 0 {
		t.Errorf("read receipts left = %d, want 0", reads)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	c1 := group(t, db, "alice", "bob")
	c2 := group(t, db, "bob", "carol")

	send(t, db, c1.ID, "bob", "hello world")
	send(t, db, c1.ID, "alice", "goodbye world")
	send(t, db, c1.ID, "alice", "100% sure")
	send(t, db, c2.ID, "carol", "hello from elsewhere")

	tests := []struct {
		name string
		f    SearchFilter
		want []string
	}{
		{"substring", SearchFilter{Query: "world"}, []string{"goodbye world", "hello world"}},
		{"case insensitive", SearchFilter{Query: "HELLO"}, []string{"hello world"}},
		{"by sender", SearchFilter{Query: "world", SenderID: "bob"}, []string{"hello world"}},
		{"literal percent", SearchFilter{Query: "0%"}, []string{"100% sure"}},
		{"by conversation", SearchFilter{Query: "hello", ConversationID: c2.ID}, nil},
		{"by type", SearchFilter{Query: "world", Type: state.TypePoll}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := db.SearchMessages("alice", tt.f)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, m := range msgs {
				got = append(got, m.Content)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("results = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := db.SearchMessages("alice", SearchFilter{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty query err = %v, want ErrInvalid", err)
	}
}

func TestPolls(t *testing.T) {
	db := testDB(t)
	c := group(t, db, "alice", "bob")

	if _, err := db.CreatePoll(NewPoll{ConversationID: c.ID, CreatedBy: "alice", Question: "lunch?", Options: []string{"pizza", " "}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("one option err = %v, want ErrInvalid", err)
	}

	p, err := db.CreatePoll(NewPoll{
		ConversationID: c.ID,
		CreatedBy:      "alice",
		Question:       " lunch? ",
		Options:        []string{"pizza", "sushi"},
		Duration:       time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Question != "lunch?" || len(p.Options) != 2 || p.Options[0].Text != "pizza" || p.ExpiresAt == nil {
		t.Fatalf("poll = %+v", p)
	}

	if _, err := db.Vote(p.ID, "bob", []string{p.Options[0].ID, p.Options[1].ID}); !errors.Is(err, ErrInvalid) {
		t.Errorf("multi vote err = %v, want ErrInvalid", err)
	}
	if _, err := db.Vote(p.ID, "bob", []string{p.Options[0].ID}); err != nil {
		t.Fatal(err)
	}
	// A second vote replaces the first.
	p, err = db.Vote(p.ID, "bob", []string{p.Options[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if p.Options[0].Votes != 0 || p.Options[1].Votes != 1 {
		t.Errorf("votes = %d/%d, want 0/1", p.Options[0].Votes, p.Options[1].Votes)
	}

	if _, err := db.Vote(p.ID, "mallory", []string{p.Options[0].ID}); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider vote err = %v, want ErrForbidden", err)
	}
	if _, err := db.Vote("missing", "bob", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing poll err = %v, want ErrNotFound", err)
	}
}

func TestUserStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser("alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUserStatus("alice", state.PresenceOnline); err != nil {
		t.Fatal(err)
	}
	// An empty display name keeps the stored one.
	if err := db.UpsertUser("alice", ""); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Alice" || u.Status != state.PresenceOnline {
		t.Errorf("user = %+v", u)
	}
	if _, err := db.GetUser("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user err = %v, want ErrNotFound", err)
	}
}
