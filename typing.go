package syncwire

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingExpiry is how long a typing signal stays valid without being
// refreshed, on both the local and the remote side.
const DefaultTypingExpiry = 5 * time.Second

// TypingTracker debounces local typing signals and aggregates remote ones.
//
// Local side: the first keystroke moves a conversation from Idle to Typing
// and emits a start signal; further keystrokes only re-arm the expiry. When
// the expiry passes without activity a stop signal is emitted automatically,
// so the remote side never sees a stuck indicator even if an explicit stop
// is lost.
//
// Remote side: a per-conversation set of typing users, each entry stamped
// with its last refresh and pruned after the same expiry.
type TypingTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	expiry time.Duration
	signal TypingSignaler
	log    zerolog.Logger
	local  map[string]time.Time            // conversation -> expiry of local typing state
	remote map[string]map[string]time.Time // conversation -> user -> last signal
}

// NewTypingTracker builds a tracker. signal may be nil when the transport
// cannot forward typing; local state is still maintained.
func NewTypingTracker(signal TypingSignaler, expiry time.Duration, now func() time.Time, log zerolog.Logger) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{
		now:    now,
		expiry: expiry,
		signal: signal,
		log:    log,
		local:  make(map[string]time.Time),
		remote: make(map[string]map[string]time.Time),
	}
}

// Activity records local input activity. The start signal is emitted only on
// the Idle -> Typing transition; every call re-arms the expiry.
func (t *TypingTracker) Activity(ctx context.Context, conversationID string) {
	t.mu.Lock()
	_, typing := t.local[conversationID]
	t.local[conversationID] = t.now().Add(t.expiry)
	t.mu.Unlock()

	if !typing {
		t.emit(ctx, conversationID, true)
	}
}

// Stop clears local typing state explicitly, e.g. when the input is cleared
// by sending or the conversation is closed. A stop signal is emitted only if
// we were in the Typing state.
func (t *TypingTracker) Stop(ctx context.Context, conversationID string) {
	t.mu.Lock()
	_, typing := t.local[conversationID]
	delete(t.local, conversationID)
	t.mu.Unlock()

	if typing {
		t.emit(ctx, conversationID, false)
	}
}

// Tick expires idle local typing states (emitting the automatic stop signal)
// and prunes stale remote entries. The engine calls it from its single
// scheduler loop.
func (t *TypingTracker) Tick(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	var expired []string
	for conv, deadline := range t.local {
		if !now.Before(deadline) {
			delete(t.local, conv)
			expired = append(expired, conv)
		}
	}
	for conv, users := range t.remote {
		for user, last := range users {
			if now.Sub(last) >= t.expiry {
				delete(users, user)
			}
		}
		if len(users) == 0 {
			delete(t.remote, conv)
		}
	}
	t.mu.Unlock()

	for _, conv := range expired {
		t.emit(ctx, conv, false)
	}
}

// ApplyRemote merges a typing event from the push channel.
func (t *TypingTracker) ApplyRemote(ev TypingChanged) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.remote[ev.ConversationID]
	if !ev.Typing {
		if users != nil {
			delete(users, ev.UserID)
			if len(users) == 0 {
				delete(t.remote, ev.ConversationID)
			}
		}
		return
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.remote[ev.ConversationID] = users
	}
	at := ev.At
	if at.IsZero() {
		at = t.now()
	}
	users[ev.UserID] = at
}

// TypingUsers returns the users currently flagged typing in a conversation,
// excluding entries that have gone stale since the last tick.
func (t *TypingTracker) TypingUsers(conversationID string) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.remote[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for user, last := range users {
		if now.Sub(last) < t.expiry {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

func (t *TypingTracker) emit(ctx context.Context, conversationID string, typing bool) {
	if t.signal == nil {
		return
	}
	if err := t.signal.SignalTyping(ctx, conversationID, typing); err != nil {
		t.log.Debug().Err(err).
			Str("conversation", conversationID).
			Bool("typing", typing).
			Msg("typing signal dropped")
	}
}
