package syncwire

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return testBase.Add(offset) }

func confirmedMsg(id, conv, sender, content string, created time.Time) Message {
	return Message{
		ID:             ConfirmedID(id),
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Kind:           MessageText,
		CreatedAt:      created,
	}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore implements Store with overridable behavior per operation. Nil
// hooks succeed with zero values.
type fakeStore struct {
	mu      sync.Mutex
	fetchFn func(conversationID string, before Cursor, pageSize int) (Page, error)
	sendFn  func(intent SendIntent) (Message, error)
	reactFn func(messageID, userID, kind string, add bool) error
	readFn  func(conversationID, userID string, at time.Time) error
	listFn  func() ([]Conversation, error)

	sends   []SendIntent
	reacts  []string // "messageID/userID/kind/add"
	readsAt []time.Time
}

func (s *fakeStore) FetchMessages(_ context.Context, conversationID string, before Cursor, pageSize int) (Page, error) {
	s.mu.Lock()
	fn := s.fetchFn
	s.mu.Unlock()
	if fn == nil {
		return Page{}, nil
	}
	return fn(conversationID, before, pageSize)
}

func (s *fakeStore) SendMessage(_ context.Context, intent SendIntent) (Message, error) {
	s.mu.Lock()
	s.sends = append(s.sends, intent)
	fn := s.sendFn
	s.mu.Unlock()
	if fn == nil {
		return Message{}, &TransportError{Op: "send message", Err: context.DeadlineExceeded}
	}
	return fn(intent)
}

func (s *fakeStore) SetReaction(_ context.Context, messageID, userID, kind string, add bool) error {
	s.mu.Lock()
	mark := messageID + "/" + userID + "/" + kind
	if add {
		mark += "/add"
	} else {
		mark += "/remove"
	}
	s.reacts = append(s.reacts, mark)
	fn := s.reactFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(messageID, userID, kind, add)
}

func (s *fakeStore) SetReadMarker(_ context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	s.readsAt = append(s.readsAt, at)
	fn := s.readFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(conversationID, userID, at)
}

func (s *fakeStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.Lock()
	fn := s.listFn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

// newTestCache builds a page cache over the given store.
func newTestCache(store Store, pageSize int) *PageCache {
	return NewPageCache(store, pageSize, zerolog.Nop())
}

func assertAscending(msgs []Message) bool {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			return false
		}
	}
	return true
}

func assertUniqueIDs(msgs []Message) bool {
	seen := make(map[MessageID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			return false
		}
		seen[m.ID] = struct{}{}
	}
	return true
}
