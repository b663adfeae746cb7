package syncwire

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MergeOutcome describes what a PageCache merge did.
type MergeOutcome int

const (
	// MergeInserted means a genuinely new message entered the cache.
	MergeInserted MergeOutcome = iota
	// MergeReplacedProvisional means a confirmation replaced a pending
	// provisional entry in place.
	MergeReplacedProvisional
	// MergeUpdated means an already-known identity was overwritten with
	// the incoming record.
	MergeUpdated
)

// window is the cached slice of one conversation's history: ascending
// created_at, ties in arrival order, unique identities.
type window struct {
	msgs    []Message
	ids     map[MessageID]struct{}
	next    Cursor
	fetched bool
	hasMore bool
}

// PageCache holds per-conversation message windows with cursor-based backward
// pagination. All mutation goes through the coordinator and the ingestor so
// the no-duplicate and single-provisional invariants hold.
type PageCache struct {
	mu       sync.Mutex
	store    Store
	pageSize int
	log      zerolog.Logger
	windows  map[string]*window
}

// NewPageCache builds an empty cache backed by store for pagination.
func NewPageCache(store Store, pageSize int, log zerolog.Logger) *PageCache {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &PageCache{
		store:    store,
		pageSize: pageSize,
		log:      log,
		windows:  make(map[string]*window),
	}
}

func (c *PageCache) window(conversationID string) *window {
	w := c.windows[conversationID]
	if w == nil {
		w = &window{ids: make(map[MessageID]struct{}), hasMore: true}
		c.windows[conversationID] = w
	}
	return w
}

// Messages returns a copy of the cached window, oldest first.
func (c *PageCache) Messages(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil {
		return nil
	}
	out := make([]Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// Get returns the cached message with the given identity.
func (c *PageCache) Get(conversationID string, id MessageID) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil {
		return Message{}, false
	}
	if i := w.index(id); i >= 0 {
		return w.msgs[i], true
	}
	return Message{}, false
}

// Latest returns the newest cached message of the conversation. With equal
// timestamps the last arrival wins, matching window order.
func (c *PageCache) Latest(conversationID string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil || len(w.msgs) == 0 {
		return Message{}, false
	}
	return w.msgs[len(w.msgs)-1], true
}

// HasMore reports whether older pages may still exist for the conversation.
// Before the first fetch it is optimistically true.
func (c *PageCache) HasMore(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil || !w.fetched {
		return true
	}
	return w.hasMore
}

// LoadOlder fetches the next page strictly older than the earliest cached
// message and merges it at the front. It returns the number of messages added
// and whether more pages may exist. On a fetch failure the cached state,
// including hasMore, is left untouched so the caller can retry.
func (c *PageCache) LoadOlder(ctx context.Context, conversationID string) (int, bool, error) {
	c.mu.Lock()
	w := c.window(conversationID)
	if w.fetched && !w.hasMore {
		c.mu.Unlock()
		return 0, false, nil
	}
	before := w.next
	c.mu.Unlock()

	page, err := c.store.FetchMessages(ctx, conversationID, before, c.pageSize)
	if err != nil {
		c.mu.Lock()
		hasMore := w.hasMore
		c.mu.Unlock()
		return 0, hasMore, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for i := range page.Messages {
		if _, dup := w.ids[page.Messages[i].ID]; dup {
			continue
		}
		w.insertSorted(page.Messages[i])
		added++
	}
	w.fetched = true
	w.next = page.NextCursor
	w.hasMore = page.NextCursor != ""
	c.log.Debug().
		Str("conversation", conversationID).
		Int("added", added).
		Bool("has_more", w.hasMore).
		Msg("older page merged")
	return added, w.hasMore, nil
}

// Merge inserts or replaces a message by identity. A confirmed message whose
// idempotency key (or, failing that, sender plus content) matches a pending
// provisional entry replaces that entry in place, keeping its list position
// unless the authoritative timestamp would break ordering.
func (c *PageCache) Merge(conversationID string, msg Message) MergeOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(conversationID)

	if i := w.index(msg.ID); i >= 0 {
		w.replaceAt(i, msg)
		return MergeUpdated
	}

	if !msg.ID.Provisional() {
		if i := w.matchProvisional(msg); i >= 0 {
			old := w.msgs[i].ID
			delete(w.ids, old)
			w.ids[msg.ID] = struct{}{}
			w.replaceAt(i, msg)
			c.log.Debug().
				Str("conversation", conversationID).
				Str("provisional", old.String()).
				Str("confirmed", msg.ID.String()).
				Msg("provisional send confirmed")
			return MergeReplacedProvisional
		}
	}

	w.insertSorted(msg)
	return MergeInserted
}

// ApplyUpdate merges an authoritative post-change record: edits, reaction
// changes and deletions. Updates for messages outside the loaded window are
// stored so a later page load cannot resurrect stale state.
func (c *PageCache) ApplyUpdate(conversationID string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(conversationID)
	if msg.DeletedAt != nil {
		msg.Content = DeletedPlaceholder
	}
	if i := w.index(msg.ID); i >= 0 {
		w.replaceAt(i, msg)
		return
	}
	w.insertSorted(msg)
}

// Tombstone marks a message deleted in place. The entry is retained so
// ordering and pagination slots survive.
func (c *PageCache) Tombstone(conversationID string, id MessageID, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil {
		return false
	}
	i := w.index(id)
	if i < 0 {
		return false
	}
	w.msgs[i].DeletedAt = &at
	w.msgs[i].Content = DeletedPlaceholder
	return true
}

// SetReactions overwrites the reaction list of a cached message.
func (c *PageCache) SetReactions(conversationID string, id MessageID, reactions []Reaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil {
		return false
	}
	i := w.index(id)
	if i < 0 {
		return false
	}
	w.msgs[i].Reactions = reactions
	return true
}

// RemoveProvisional drops a pending provisional entry after a failed send,
// returning the cache to its pre-send state.
func (c *PageCache) RemoveProvisional(conversationID, localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[conversationID]
	if w == nil {
		return false
	}
	i := w.index(ProvisionalID(localID))
	if i < 0 {
		return false
	}
	delete(w.ids, w.msgs[i].ID)
	w.msgs = append(w.msgs[:i], w.msgs[i+1:]...)
	return true
}

// ── window internals ──────────────────────────────────────

func (w *window) index(id MessageID) int {
	if _, ok := w.ids[id]; !ok {
		return -1
	}
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// matchProvisional finds the oldest pending provisional entry that the
// confirmed record msg corresponds to: exact idempotency-key match when the
// key is present, otherwise same sender and content.
func (w *window) matchProvisional(msg Message) int {
	for i := range w.msgs {
		cand := &w.msgs[i]
		if !cand.ID.Provisional() {
			continue
		}
		if msg.IdempotencyKey != "" || cand.IdempotencyKey != "" {
			if msg.IdempotencyKey == cand.IdempotencyKey {
				return i
			}
			continue
		}
		if cand.SenderID == msg.SenderID && cand.Content == msg.Content {
			return i
		}
	}
	return -1
}

// insertSorted places msg at the last position that keeps created_at
// ascending, so equal timestamps stay in arrival order.
func (w *window) insertSorted(msg Message) {
	pos := len(w.msgs)
	for pos > 0 && w.msgs[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	w.msgs = append(w.msgs, Message{})
	copy(w.msgs[pos+1:], w.msgs[pos:])
	w.msgs[pos] = msg
	w.ids[msg.ID] = struct{}{}
}

// replaceAt overwrites the entry at i, relocating it only when the incoming
// timestamp would break ordering against its neighbors.
func (w *window) replaceAt(i int, msg Message) {
	ordered := true
	if i > 0 && w.msgs[i-1].CreatedAt.After(msg.CreatedAt) {
		ordered = false
	}
	if i < len(w.msgs)-1 && msg.CreatedAt.After(w.msgs[i+1].CreatedAt) {
		ordered = false
	}
	if ordered {
		w.msgs[i] = msg
		return
	}
	delete(w.ids, w.msgs[i].ID)
	w.msgs = append(w.msgs[:i], w.msgs[i+1:]...)
	w.insertSorted(msg)
}
