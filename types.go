package syncwire

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Identities
// ============================================================================

// MessageID identifies a message. It is either provisional (generated locally
// while a send is in flight) or confirmed (assigned by the backing store).
// The zero value is invalid.
type MessageID struct {
	local string
	store string
}

// ProvisionalID builds the identity of a not-yet-confirmed local message.
func ProvisionalID(localID string) MessageID {
	return MessageID{local: localID}
}

// ConfirmedID builds the identity of a store-assigned message.
func ConfirmedID(storeID string) MessageID {
	return MessageID{store: storeID}
}

// Provisional reports whether the identity is local-only.
func (id MessageID) Provisional() bool { return id.store == "" && id.local != "" }

// IsZero reports whether the identity is unset.
func (id MessageID) IsZero() bool { return id.local == "" && id.store == "" }

// StoreID returns the store-assigned identity, or "" for provisional messages.
func (id MessageID) StoreID() string { return id.store }

// LocalID returns the locally generated identity, or "" for messages that
// were never provisional on this client.
func (id MessageID) LocalID() string { return id.local }

func (id MessageID) String() string {
	if id.store != "" {
		return id.store
	}
	if id.local != "" {
		return "local-" + id.local
	}
	return ""
}

// MarshalJSON encodes the identity as its display string.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a store-assigned identity. Provisional identities
// never travel over the wire; anything received is confirmed.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ConfirmedID(s)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes one-to-one and group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	LastReadAt time.Time `json:"lastReadAt"`
	Active     bool      `json:"active"`
}

// Conversation is the registry's view of one conversation. UnreadCount and
// LastMessagePreview are derived locally and overwritten on reconcile.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	Title              string           `json:"title,omitempty"`
	EntityRef          string           `json:"entityRef,omitempty"`
	Participants       []Participant    `json:"participants,omitempty"`
	LastMessageAt      time.Time        `json:"lastMessageAt"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	UnreadCount        int              `json:"unreadCount"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// DeletedPlaceholder replaces the content of tombstoned messages. The row is
// kept so pagination cursors stay valid.
const DeletedPlaceholder = "[deleted]"

// Reaction is one user's reaction of one kind on a message. The
// (message, user, kind) triple is unique.
type Reaction struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is one entry in a conversation. A message born from a local send
// carries a provisional ID until the store confirms it; IdempotencyKey ties
// the provisional entry to its confirmation.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Kind           MessageKind    `json:"kind"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Deleted reports whether the message has been tombstoned.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// HasReaction reports whether user has reacted with kind.
func (m *Message) HasReaction(userID, kind string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Kind == kind {
			return true
		}
	}
	return false
}

// ReactionCounts aggregates reactions by kind for display.
func (m *Message) ReactionCounts() map[string]int {
	if len(m.Reactions) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range m.Reactions {
		counts[r.Kind]++
	}
	return counts
}

// ============================================================================
// Push events
// ============================================================================

// Event is a server-pushed change. The closed set of variants is
// MessageInserted, MessageUpdated, TypingChanged and PresenceChanged;
// routing switches over them exhaustively.
type Event interface {
	isEvent()
}

// MessageInserted announces a newly stored message. If the sender is the
// local user it confirms a pending provisional send.
type MessageInserted struct {
	Message Message
}

// MessageUpdated announces an edit, a deletion or a reaction change. The
// embedded message is the authoritative post-change record.
type MessageUpdated struct {
	Message Message
}

// TypingChanged announces that a user started or stopped typing.
type TypingChanged struct {
	ConversationID string
	UserID         string
	Typing         bool
	At             time.Time
}

// PresenceEventKind distinguishes presence event flavors.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceChanged announces an online-set change. A sync event replaces the
// whole set via UserIDs; join/leave touch the single UserID.
type PresenceChanged struct {
	Kind    PresenceEventKind
	UserID  string
	UserIDs []string
}

func (MessageInserted) isEvent() {}
func (MessageUpdated) isEvent()  {}
func (TypingChanged) isEvent()   {}
func (PresenceChanged) isEvent() {}
