package state

import (
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypePoll     MessageType = "poll"
	TypeSystem   MessageType = "system"
)

// Priority is the sender-assigned urgency of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ConversationType distinguishes one-to-one from multi-party conversations.
type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationBroadcast ConversationType = "broadcast"
	ConversationChannel   ConversationType = "channel"
)

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Message is a single chat message. ID holds a temporary "temp_" id until
// the server confirms it; ClientID keeps that temporary id afterwards so a
// late echo can still be matched.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	Priority       Priority       `json:"priority"`
	Status         MessageStatus  `json:"status"`
	IsRead         bool           `json:"isRead"`
	IsEncrypted    bool           `json:"isEncrypted"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (m Message) clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// Conversation is a chat thread. UnreadCount is filled from the store's
// running counter when a snapshot is taken.
type Conversation struct {
	ID             string           `json:"id"`
	Name           string           `json:"name,omitempty"`
	Description    string           `json:"description,omitempty"`
	Type           ConversationType `json:"type"`
	Participants   []string         `json:"participants"`
	LastMessage    *Message         `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	IsArchived     bool             `json:"isArchived"`
	IsPinned       bool             `json:"isPinned"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := c.LastMessage.clone()
		c.LastMessage = &lm
	}
	return c
}

// Presence is the last status a user advertised and when.
type Presence struct {
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Connection mirrors the transport's connection state for subscribers.
type Connection struct {
	State    status.State `json:"state"`
	Attempts int          `json:"attempts"`
}

// State is a full, read-only snapshot handed to subscribers. Version grows
// with every mutation so a subscriber can drop a snapshot that arrives after
// a newer one.
type State struct {
	Version               uint64               `json:"version"`
	Self                  string               `json:"self"`
	Conversations         []Conversation       `json:"conversations"`
	Messages              map[string][]Message `json:"messages"`
	CurrentConversationID string               `json:"currentConversationId,omitempty"`
	UnreadCounts          map[string]int       `json:"unreadCounts"`
	TotalUnread           int                  `json:"totalUnread"`
	TypingUsers           map[string][]string  `json:"typingUsers"`
	Presence              map[string]Presence  `json:"presence"`
	HasMore               map[string]bool      `json:"hasMore"`
	Connection            Connection           `json:"connection"`
	IsLoading             bool                 `json:"isLoading"`
	IsSearching           bool                 `json:"isSearching"`
	SearchResults         []Message            `json:"searchResults"`
	Error                 string               `json:"error,omitempty"`
}
