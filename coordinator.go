package syncwire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IntentState is the lifecycle of one optimistic intent.
type IntentState string

const (
	IntentPending   IntentState = "pending"
	IntentConfirmed IntentState = "confirmed"
	IntentFailed    IntentState = "failed"
)

// SendResult is the terminal outcome of an optimistic send.
type SendResult struct {
	Message Message
	Err     error
}

// Coordinator applies local intents immediately against the caches and
// reconciles them with the backing store. A failed intent is rolled back and
// surfaced to the caller; the coordinator never retries silently.
type Coordinator struct {
	store    Store
	cache    *PageCache
	registry *Registry
	selfID   string
	now      func() time.Time
	log      zerolog.Logger

	mu        sync.Mutex
	pending   map[string]IntentState // provisional local ID -> state
	confirmed int
	failed    int
}

// NewCoordinator wires the coordinator to its caches.
func NewCoordinator(store Store, cache *PageCache, registry *Registry, selfID string, now func() time.Time, log zerolog.Logger) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    store,
		cache:    cache,
		registry: registry,
		selfID:   selfID,
		now:      now,
		log:      log,
		pending:  make(map[string]IntentState),
	}
}

// SendMessage constructs a provisional message, makes it visible immediately
// and issues the confirming write. The provisional record is returned
// synchronously; the channel delivers exactly one terminal SendResult. On
// failure the provisional entry is removed and the cache returns to its
// pre-send state.
//
// Each call gets its own provisional identity and idempotency key, so
// concurrent sends in the same conversation never collide.
func (c *Coordinator) SendMessage(ctx context.Context, intent SendIntent) (Message, <-chan SendResult) {
	localID := uuid.NewString()
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = "sw-" + localID
	}
	if intent.Kind == "" {
		intent.Kind = MessageText
	}

	provisional := Message{
		ID:             ProvisionalID(localID),
		ConversationID: intent.ConversationID,
		SenderID:       c.selfID,
		Content:        intent.Content,
		Kind:           intent.Kind,
		ReplyTo:        intent.ReplyTo,
		Metadata:       intent.Metadata,
		CreatedAt:      c.now(),
		IdempotencyKey: intent.IdempotencyKey,
	}

	c.cache.Merge(intent.ConversationID, provisional)
	undo := c.registry.ApplyIncomingMessage(intent.ConversationID, provisional)
	c.setState(localID, IntentPending)

	result := make(chan SendResult, 1)
	go func() {
		confirmed, err := c.store.SendMessage(ctx, intent)
		if err != nil {
			c.cache.RemoveProvisional(intent.ConversationID, localID)
			c.registry.RevertIncomingMessage(undo)
			c.setState(localID, IntentFailed)
			c.log.Warn().Err(err).
				Str("conversation", intent.ConversationID).
				Msg("send failed, provisional removed")
			result <- SendResult{Err: err}
			return
		}
		if confirmed.IdempotencyKey == "" {
			confirmed.IdempotencyKey = intent.IdempotencyKey
		}
		// The push channel may already have delivered this record; Merge
		// dedupes by identity either way.
		c.cache.Merge(intent.ConversationID, confirmed)
		c.registry.ApplyIncomingMessage(intent.ConversationID, confirmed)
		c.setState(localID, IntentConfirmed)
		result <- SendResult{Message: confirmed}
	}()
	return provisional, result
}

// ToggleReaction adds or removes the local user's reaction of the given kind,
// optimistically. A ConflictError from the store means another device already
// applied the same change and resolves as success. Any other failure reverts
// the reaction list.
func (c *Coordinator) ToggleReaction(ctx context.Context, conversationID string, messageID MessageID, kind string, add bool) <-chan error {
	result := make(chan error, 1)

	if messageID.Provisional() {
		result <- &NotFoundError{Kind: "message", ID: messageID.String()}
		return result
	}
	msg, ok := c.cache.Get(conversationID, messageID)
	if !ok {
		result <- &NotFoundError{Kind: "message", ID: messageID.String()}
		return result
	}

	prev := append([]Reaction(nil), msg.Reactions...)
	next := toggleReaction(prev, c.selfID, kind, add)
	c.cache.SetReactions(conversationID, messageID, next)

	go func() {
		err := c.store.SetReaction(ctx, messageID.StoreID(), c.selfID, kind, add)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				// Already applied server-side; the optimistic state is
				// the truth.
				result <- nil
				return
			}
			c.cache.SetReactions(conversationID, messageID, prev)
			c.log.Warn().Err(err).
				Str("message", messageID.String()).
				Str("kind", kind).
				Msg("reaction write failed, reverted")
			result <- err
			return
		}
		result <- nil
	}()
	return result
}

// MarkRead optimistically zeroes the unread count for the conversation at the
// current local time and issues the read marker write. On failure the marker
// and count revert and the error is delivered; there is no automatic retry.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) <-chan error {
	result := make(chan error, 1)

	at := c.now()
	undo, ok := c.registry.ApplyReadMarker(conversationID, c.selfID, at)
	if !ok {
		result <- &NotFoundError{Kind: "conversation", ID: conversationID}
		return result
	}

	go func() {
		err := c.store.SetReadMarker(ctx, conversationID, c.selfID, at)
		if err != nil {
			c.registry.RevertReadMarker(undo)
			result <- err
			return
		}
		result <- nil
	}()
	return result
}

// PendingSends reports how many sends are still awaiting confirmation.
func (c *Coordinator) PendingSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, state := range c.pending {
		if state == IntentPending {
			n++
		}
	}
	return n
}

// Counts returns confirmed and failed intent totals since construction.
func (c *Coordinator) Counts() (confirmed, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed, c.failed
}

func (c *Coordinator) setState(localID string, state IntentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case IntentPending:
		c.pending[localID] = state
	case IntentConfirmed:
		delete(c.pending, localID)
		c.confirmed++
	case IntentFailed:
		delete(c.pending, localID)
		c.failed++
	}
}

// toggleReaction returns the reaction list with (userID, kind) present or
// absent. The triple is unique, so adding twice is a no-op.
func toggleReaction(reactions []Reaction, userID, kind string, add bool) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		if r.UserID == userID && r.Kind == kind {
			found = true
			if !add {
				continue
			}
		}
		out = append(out, r)
	}
	if add && !found {
		out = append(out, Reaction{UserID: userID, Kind: kind})
	}
	return out
}
