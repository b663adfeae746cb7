package syncwire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSignaler records every typing signal sent through it.
type fakeSignaler struct {
	mu      sync.Mutex
	signals []string // "conversationID/start" or "conversationID/stop"
	err     error
}

func (s *fakeSignaler) SignalTyping(_ context.Context, conversationID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark := conversationID + "/stop"
	if typing {
		mark = conversationID + "/start"
	}
	s.signals = append(s.signals, mark)
	return s.err
}

func (s *fakeSignaler) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func newTestTyping(signal TypingSignaler, clock *fakeClock) *TypingTracker {
	return NewTypingTracker(signal, DefaultTypingExpiry, clock.Now, zerolog.Nop())
}

func TestTypingStartEmittedOncePerBurst(t *testing.T) {
	clock := newFakeClock(at(0))
	signal := &fakeSignaler{}
	tr := newTestTyping(signal, clock)
	ctx := context.Background()

	// A burst of keystrokes inside the expiry emits a single start.
	for i := 0; i < 5; i++ {
		tr.Activity(ctx, "c1")
		clock.Advance(500 * time.Millisecond)
	}
	if got := signal.recorded(); len(got) != 1 || got[0] != "c1/start" {
		t.Fatalf("signals after burst: %v", got)
	}

	// No tick fires the deadline while activity keeps re-arming it.
	tr.Tick(ctx)
	if got := signal.recorded(); len(got) != 1 {
		t.Fatalf("tick during activity emitted: %v", got)
	}
}

func TestTypingAutoStopAfterExpiry(t *testing.T) {
	clock := newFakeClock(at(0))
	signal := &fakeSignaler{}
	tr := newTestTyping(signal, clock)
	ctx := context.Background()

	tr.Activity(ctx, "c1")
	clock.Advance(DefaultTypingExpiry)
	tr.Tick(ctx)

	want := []string{"c1/start", "c1/stop"}
	got := signal.recorded()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("signals: %v, want %v", got, want)
	}

	// Next keystroke is a fresh Idle -> Typing transition.
	tr.Activity(ctx, "c1")
	if got := signal.recorded(); len(got) != 3 || got[2] != "c1/start" {
		t.Fatalf("signals after restart: %v", got)
	}
}

func TestTypingExplicitStop(t *testing.T) {
	clock := newFakeClock(at(0))
	signal := &fakeSignaler{}
	tr := newTestTyping(signal, clock)
	ctx := context.Background()

	tr.Activity(ctx, "c1")
	tr.Stop(ctx, "c1")
	got := signal.recorded()
	if len(got) != 2 || got[1] != "c1/stop" {
		t.Fatalf("signals: %v", got)
	}

	// Stopping while idle is silent.
	tr.Stop(ctx, "c1")
	if got := signal.recorded(); len(got) != 2 {
		t.Fatalf("idle stop emitted: %v", got)
	}

	// And the expired deadline must not fire a second stop later.
	clock.Advance(DefaultTypingExpiry)
	tr.Tick(ctx)
	if got := signal.recorded(); len(got) != 2 {
		t.Fatalf("tick after explicit stop emitted: %v", got)
	}
}

func TestTypingSignalErrorDoesNotBreakState(t *testing.T) {
	clock := newFakeClock(at(0))
	signal := &fakeSignaler{err: &TransportError{Op: "signal typing", Err: errNotConnected}}
	tr := newTestTyping(signal, clock)
	ctx := context.Background()

	// Dropped signals are logged and forgotten; local state still moves.
	tr.Activity(ctx, "c1")
	tr.Stop(ctx, "c1")
	if got := signal.recorded(); len(got) != 2 {
		t.Fatalf("signals: %v", got)
	}
}

func TestTypingRemoteLifecycle(t *testing.T) {
	clock := newFakeClock(at(0))
	tr := newTestTyping(nil, clock)

	tr.ApplyRemote(TypingChanged{ConversationID: "c1", UserID: "alice", Typing: true, At: clock.Now()})
	tr.ApplyRemote(TypingChanged{ConversationID: "c1", UserID: "bob", Typing: true, At: clock.Now()})
	if got := tr.TypingUsers("c1"); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("typing users: %v", got)
	}

	// Explicit remote stop removes one user.
	tr.ApplyRemote(TypingChanged{ConversationID: "c1", UserID: "alice", Typing: false})
	if got := tr.TypingUsers("c1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("after remote stop: %v", got)
	}

	// Refreshing bob keeps him past the original deadline.
	clock.Advance(3 * time.Second)
	tr.ApplyRemote(TypingChanged{ConversationID: "c1", UserID: "bob", Typing: true, At: clock.Now()})
	clock.Advance(3 * time.Second)
	if got := tr.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("refreshed entry pruned: %v", got)
	}

	// Without refresh the entry goes stale, both at read time and on tick.
	clock.Advance(3 * time.Second)
	if got := tr.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("stale entry visible: %v", got)
	}
	tr.Tick(context.Background())
	tr.ApplyRemote(TypingChanged{ConversationID: "c1", UserID: "carol", Typing: true, At: clock.Now()})
	if got := tr.TypingUsers("c1"); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("after prune: %v", got)
	}
}

func TestTypingConversationsIndependent(t *testing.T) {
	clock := newFakeClock(at(0))
	signal := &fakeSignaler{}
	tr := newTestTyping(signal, clock)
	ctx := context.Background()

	tr.Activity(ctx, "c1")
	tr.Activity(ctx, "c2")
	tr.Stop(ctx, "c1")

	got := signal.recorded()
	if len(got) != 3 || got[0] != "c1/start" || got[1] != "c2/start" || got[2] != "c1/stop" {
		t.Fatalf("signals: %v", got)
	}

	// c2 still expires on its own.
	clock.Advance(DefaultTypingExpiry)
	tr.Tick(ctx)
	got = signal.recorded()
	if len(got) != 4 || got[3] != "c2/stop" {
		t.Fatalf("signals after tick: %v", got)
	}
}
