package sync

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidPoll = errors.New("a poll needs a question and at least two options")
	ErrNoOptions   = errors.New("at least one option is required")
)

// PollRequest describes a poll to create.
type PollRequest struct {
	Question      string        `json:"question"`
	Options       []string      `json:"options"`
	AllowMultiple bool          `json:"allowMultiple"`
	Duration      time.Duration `json:"-"`
	IsAnonymous   bool          `json:"isAnonymous"`
}

type pollCreate struct {
	ConversationID string `json:"conversationId"`
	PollRequest
	DurationSeconds int64 `json:"duration,omitempty"`
}

// CreatePoll asks the server to create a poll. The poll shows up once the
// server broadcasts poll:created. Reports whether the event was sent.
func (e *Engine) CreatePoll(ctx context.Context, conversationID string, req PollRequest) (bool, error) {
	req.Question = strings.TrimSpace(req.Question)
	var opts []string
	for _, o := range req.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	req.Options = opts
	if req.Question == "" || len(req.Options) < 2 {
		return false, ErrInvalidPoll
	}
	return e.emit(ctx, "poll_created", pollCreate{
		ConversationID:  conversationID,
		PollRequest:     req,
		DurationSeconds: int64(req.Duration / time.Second),
	}), nil
}

// VotePoll casts a vote for one or more options.
func (e *Engine) VotePoll(ctx context.Context, pollID string, optionIDs []string) (bool, error) {
	if len(optionIDs) == 0 {
		return false, ErrNoOptions
	}
	return e.emit(ctx, "poll_vote", map[string]any{
		"pollId":    pollID,
		"optionIds": optionIDs,
	}), nil
}

// RequestAI forwards an assistant request for a conversation. The reply
// arrives as a regular message.
func (e *Engine) RequestAI(ctx context.Context, kind, prompt, conversationID string) bool {
	return e.emit(ctx, "ai_request", map[string]string{
		"type":           kind,
		"context":        prompt,
		"conversationId": conversationID,
	})
}

// StartCall announces a call. Signaling beyond this event is carried by
// call:* events untouched.
func (e *Engine) StartCall(ctx context.Context, conversationID, callType string) bool {
	if callType == "" {
		callType = "AUDIO"
	}
	return e.emit(ctx, "call_started", map[string]string{
		"conversationId": conversationID,
		"callType":       strings.ToUpper(callType),
	})
}

func (e *Engine) emit(ctx context.Context, name string, payload any) bool {
	if e.transport == nil {
		e.logger.Debug("no transport, dropping event")
		return false
	}
	return e.transport.Send(ctx, name, payload)
}
