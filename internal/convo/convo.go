// Package convo holds the conversation domain model: a conversation per
// external address (phone number, chat id) owning an ordered, append-only
// message log.
package convo

import (
	"context"
	"errors"
	"time"
)

// Status is the conversation lifecycle state. Conversations are never
// deleted, only status-transitioned.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Origin marks which side of the dialogue produced a message.
type Origin string

const (
	OriginInbound  Origin = "inbound"
	OriginOutbound Origin = "outbound"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one dialogue with one external address.
type Conversation struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"` // stable external address, e.g. phone number
	DisplayName string    `json:"display_name,omitempty"`
	Status      Status    `json:"status"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// Message is one entry in a conversation's append-only log. Seq is
// strictly increasing and gapless per conversation.
type Message struct {
	ID               int64     `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Seq              int       `json:"seq"`
	Origin           Origin    `json:"origin"`
	Content          string    `json:"content"`
	SchedulingIntent bool      `json:"scheduling_intent,omitempty"`
	Created          time.Time `json:"created"`
}

// Store persists conversations and their message logs.
// All writes for one conversation happen from its serialized pipeline
// context, so implementations only need to be safe for concurrent
// writes to different conversations.
type Store interface {
	// GetOrCreate returns the conversation for key, creating it on
	// first contact.
	GetOrCreate(ctx context.Context, key string) (*Conversation, error)

	// AppendInbound appends a user message with the next seq number.
	AppendInbound(ctx context.Context, conversationID, content string, schedulingIntent bool) (*Message, error)

	// AppendOutbound appends one delivered assistant bubble.
	AppendOutbound(ctx context.Context, conversationID, content string) (*Message, error)

	// History returns up to limit most recent messages in seq order
	// (limit <= 0 means all).
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// MessageCount returns the number of persisted messages.
	MessageCount(ctx context.Context, conversationID string) (int, error)

	// SetDisplayName records a name learned from the dialogue or the
	// channel's contact profile.
	SetDisplayName(ctx context.Context, conversationID, name string) error

	// SetStatus transitions the conversation lifecycle state.
	SetStatus(ctx context.Context, conversationID string, status Status) error

	// List returns all conversations, most recently updated first.
	List(ctx context.Context) ([]Conversation, error)

	// Close releases the underlying database handle.
	Close() error
}
