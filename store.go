package syncwire

import (
	"context"
	"time"
)

// ============================================================================
// Backing store contracts
// ============================================================================

// Cursor is an opaque marker for the boundary of the next older page of
// messages. The empty cursor means "newest page".
type Cursor string

// Page is one slice of message history, oldest-first. An empty NextCursor
// signals that no further history exists.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor Cursor    `json:"nextCursor,omitempty"`
}

// SendIntent is the input to a message send. IdempotencyKey is generated by
// the coordinator and echoed back on the confirmed record so the provisional
// entry can be matched exactly.
type SendIntent struct {
	ConversationID string
	Content        string
	Kind           MessageKind
	ReplyTo        string
	Metadata       map[string]any
	IdempotencyKey string
}

// Store is the write/fetch capability supplied by the backing transport.
// Implementations fail with the typed errors of this package; TransportError
// marks retryable failures.
type Store interface {
	// FetchMessages returns the page of up to pageSize messages strictly
	// older than before. An empty before cursor fetches the newest page.
	FetchMessages(ctx context.Context, conversationID string, before Cursor, pageSize int) (Page, error)

	// SendMessage durably stores the intent and returns the authoritative
	// record, including the store-assigned identity and timestamp.
	SendMessage(ctx context.Context, intent SendIntent) (Message, error)

	// SetReaction adds or removes the (message, user, kind) reaction triple.
	SetReaction(ctx context.Context, messageID, userID, kind string, add bool) error

	// SetReadMarker moves the user's read marker in the conversation.
	SetReadMarker(ctx context.Context, conversationID, userID string, at time.Time) error

	// ListConversations returns the user's conversations with
	// server-computed unread counts, used for periodic reconciliation.
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// ============================================================================
// Push subscription contracts
// ============================================================================

// Subscription is one established push channel. Events delivers at-least-once
// until the channel closes; after it closes, Err reports why.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Subscriber establishes push subscriptions. Each call opens a fresh channel;
// the ingestor re-subscribes with backoff when a subscription drops.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// ConversationJoiner is implemented by subscribers that scope delivery to
// joined conversations. Acquire and Release are reference counted; the
// underlying room is joined on first acquire and left on last release.
type ConversationJoiner interface {
	Acquire(ctx context.Context, conversationID string) error
	Release(ctx context.Context, conversationID string) error
}

// TypingSignaler is implemented by transports that can forward local typing
// signals to the other participants.
type TypingSignaler interface {
	SignalTyping(ctx context.Context, conversationID string, typing bool) error
}
