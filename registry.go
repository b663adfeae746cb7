package syncwire

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadMarkerUndo captures registry state before an optimistic read marker so
// a failed write can be reverted exactly.
type ReadMarkerUndo struct {
	ConversationID string
	UserID         string
	PrevLastRead   time.Time
	PrevUnread     int
}

// IncomingMessageUndo captures what ApplyIncomingMessage changed so a failed
// optimistic send can unwind its recency bump, preview and implicit
// conversation creation.
type IncomingMessageUndo struct {
	ConversationID    string
	Created           bool
	Bumped            bool
	Counted           bool
	AppliedAt         time.Time
	PrevLastMessageAt time.Time
	PrevPreview       string
}

// UnreadRecount counts messages in a conversation created after the given
// time by someone other than the local user. The engine wires it to the page
// cache; it exists so the registry never reaches into message storage itself.
type UnreadRecount func(conversationID string, after time.Time) int

// Registry maintains the conversation list ordered by last activity and the
// derived unread counts and previews.
type Registry struct {
	mu      sync.Mutex
	selfID  string
	log     zerolog.Logger
	recount UnreadRecount
	convs   map[string]*Conversation
	open    string
}

// NewRegistry builds an empty registry for the given local user.
func NewRegistry(selfID string, recount UnreadRecount, log zerolog.Logger) *Registry {
	if recount == nil {
		recount = func(string, time.Time) int { return 0 }
	}
	return &Registry{
		selfID:  selfID,
		log:     log,
		recount: recount,
		convs:   make(map[string]*Conversation),
	}
}

// Upsert inserts or replaces conversation metadata. Ordering is derived at
// read time, so no re-sort happens here.
func (r *Registry) Upsert(conv Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := conv
	r.convs[conv.ID] = &stored
}

// UpsertAll replaces metadata for every listed conversation, used by the
// periodic reconcile against a full list refetch.
func (r *Registry) UpsertAll(convs []Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range convs {
		stored := convs[i]
		r.convs[stored.ID] = &stored
	}
}

// Get returns a copy of the conversation.
func (r *Registry) Get(conversationID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[conversationID]
	if conv == nil {
		return Conversation{}, false
	}
	return *conv, true
}

// Conversations returns a snapshot ordered by last_message_at descending.
func (r *Registry) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conversation, 0, len(r.convs))
	for _, conv := range r.convs {
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// SetOpen records which conversation the caller currently displays; incoming
// messages there do not grow the unread count. Pass "" when none is open.
func (r *Registry) SetOpen(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = conversationID
}

// ApplyIncomingMessage bumps recency and preview for a newly observed message
// and grows the unread count unless the local user sent it or is currently
// looking at the conversation with an up-to-date read marker. The returned
// undo lets the coordinator unwind the bump when a provisional send fails.
func (r *Registry) ApplyIncomingMessage(conversationID string, msg Message) IncomingMessageUndo {
	r.mu.Lock()
	defer r.mu.Unlock()
	undo := IncomingMessageUndo{ConversationID: conversationID, AppliedAt: msg.CreatedAt}
	conv := r.convs[conversationID]
	if conv == nil {
		// Implicit creation: first message about a conversation the
		// registry has not listed yet.
		conv = &Conversation{ID: conversationID, Kind: ConversationDirect}
		r.convs[conversationID] = conv
		undo.Created = true
	}

	if msg.CreatedAt.After(conv.LastMessageAt) {
		undo.Bumped = true
		undo.PrevLastMessageAt = conv.LastMessageAt
		undo.PrevPreview = conv.LastMessagePreview
		conv.LastMessageAt = msg.CreatedAt
		if msg.Deleted() {
			conv.LastMessagePreview = DeletedPlaceholder
		} else {
			conv.LastMessagePreview = msg.Content
		}
	}

	if msg.SenderID == r.selfID {
		return undo
	}
	if r.open == conversationID && !r.selfLastRead(conv).Before(msg.CreatedAt) {
		return undo
	}
	conv.UnreadCount++
	undo.Counted = true
	return undo
}

// RevertIncomingMessage unwinds ApplyIncomingMessage after a failed
// optimistic send. Newer activity wins: the recency bump and preview are
// restored only while the failed message is still the conversation's head,
// and a conversation created by the failed send alone is removed.
func (r *Registry) RevertIncomingMessage(undo IncomingMessageUndo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[undo.ConversationID]
	if conv == nil {
		return
	}
	if undo.Counted && conv.UnreadCount > 0 {
		conv.UnreadCount--
	}
	if !undo.Bumped || !conv.LastMessageAt.Equal(undo.AppliedAt) {
		return
	}
	if undo.Created && conv.UnreadCount == 0 {
		delete(r.convs, undo.ConversationID)
		return
	}
	conv.LastMessageAt = undo.PrevLastMessageAt
	conv.LastMessagePreview = undo.PrevPreview
	r.log.Debug().
		Str("conversation", undo.ConversationID).
		Msg("incoming message bump reverted")
}

// RefreshPreview re-derives the preview after an edit or deletion of the
// conversation's latest message. The caller decides latestness by message
// identity (the ingestor checks against the cache head); the time guard here
// only drops calls that are plainly stale. Unlike ApplyIncomingMessage it
// never touches the unread count.
func (r *Registry) RefreshPreview(conversationID string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[conversationID]
	if conv == nil || msg.CreatedAt.Before(conv.LastMessageAt) {
		return
	}
	if msg.Deleted() {
		conv.LastMessagePreview = DeletedPlaceholder
	} else {
		conv.LastMessagePreview = msg.Content
	}
}

// ApplyReadMarker moves a participant's read marker. For the local user the
// unread count is recomputed immediately (optimistic); the returned undo
// restores the prior state if the backing write fails.
func (r *Registry) ApplyReadMarker(conversationID, userID string, at time.Time) (ReadMarkerUndo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[conversationID]
	if conv == nil {
		return ReadMarkerUndo{}, false
	}

	undo := ReadMarkerUndo{
		ConversationID: conversationID,
		UserID:         userID,
		PrevLastRead:   r.setLastRead(conv, userID, at),
		PrevUnread:     conv.UnreadCount,
	}
	if userID == r.selfID {
		conv.UnreadCount = r.recount(conversationID, at)
	}
	return undo, true
}

// RevertReadMarker undoes an optimistic ApplyReadMarker after the backing
// write failed.
func (r *Registry) RevertReadMarker(undo ReadMarkerUndo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[undo.ConversationID]
	if conv == nil {
		return
	}
	r.setLastRead(conv, undo.UserID, undo.PrevLastRead)
	if undo.UserID == r.selfID {
		conv.UnreadCount = undo.PrevUnread
	}
	r.log.Debug().
		Str("conversation", undo.ConversationID).
		Msg("read marker reverted")
}

// TotalUnread sums unread counts across all conversations.
func (r *Registry) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, conv := range r.convs {
		total += conv.UnreadCount
	}
	return total
}

func (r *Registry) selfLastRead(conv *Conversation) time.Time {
	for i := range conv.Participants {
		if conv.Participants[i].UserID == r.selfID {
			return conv.Participants[i].LastReadAt
		}
	}
	return time.Time{}
}

// setLastRead updates (or creates) the participant entry and returns the
// previous marker.
func (r *Registry) setLastRead(conv *Conversation, userID string, at time.Time) time.Time {
	for i := range conv.Participants {
		if conv.Participants[i].UserID == userID {
			prev := conv.Participants[i].LastReadAt
			conv.Participants[i].LastReadAt = at
			return prev
		}
	}
	conv.Participants = append(conv.Participants, Participant{
		UserID:     userID,
		Role:       "member",
		LastReadAt: at,
		Active:     true,
	})
	return time.Time{}
}
