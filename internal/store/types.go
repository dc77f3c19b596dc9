package store

import (
	"time"

	"github.com/matheus3301/chatsync/internal/state"
)

// User is a registered account and its last advertised presence.
type User struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"displayName"`
	Status      state.PresenceStatus `json:"status"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// NewConversation is the input of CreateConversation.
type NewConversation struct {
	Name         string
	Description  string
	Type         state.ConversationType
	Participants []string
}

// NewMessage is the input of InsertMessage. A non-empty ClientID makes the
// insert idempotent per sender.
type NewMessage struct {
	ConversationID string
	SenderID       string
	ClientID       string
	Content        string
	Type           state.MessageType
	Priority       state.Priority
	IsEncrypted    bool
	ReplyToID      string
	Metadata       map[string]any
}

// SearchFilter narrows SearchMessages. Query matches message content.
type SearchFilter struct {
	Query          string
	ConversationID string
	Type           state.MessageType
	SenderID       string
	Limit          int
}

// Poll is a poll with its options and vote counts, shaped like the
// poll:created payload.
type Poll struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Question       string       `json:"question"`
	Options        []PollOption `json:"options"`
	CreatedBy      string       `json:"createdBy"`
	AllowMultiple  bool         `json:"allowMultiple"`
	IsAnonymous    bool         `json:"isAnonymous"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
}

type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// NewPoll is the input of CreatePoll.
type NewPoll struct {
	ConversationID string
	CreatedBy      string
	Question       string
	Options        []string
	AllowMultiple  bool
	IsAnonymous    bool
	Duration       time.Duration
}
