package syncwire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEngine(store Store, clock *fakeClock, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithClock(clock.Now), WithPageSize(10)}, opts...)
	return New(store, nil, "me", opts...)
}

func TestEngineConversationScenario(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	store.sendFn = func(intent SendIntent) (Message, error) {
		<-release
		msg := confirmedMsg("m4", "c1", "me", intent.Content, at(4*time.Second+100*time.Millisecond))
		msg.IdempotencyKey = intent.IdempotencyKey
		return msg, nil
	}
	clock := newFakeClock(at(4 * time.Second))
	eng := newTestEngine(store, clock)
	ctx := context.Background()

	// Three incoming messages from the push path.
	for i, sender := range []string{"alice", "bob", "alice"} {
		eng.Apply(MessageInserted{Message: confirmedMsg(
			[]string{"m1", "m2", "m3"}[i], "c1", sender,
			[]string{"one", "two", "three"}[i],
			at(time.Duration(i+1)*time.Second),
		)})
	}
	if got := eng.Messages("c1"); len(got) != 3 {
		t.Fatalf("window: %d messages", len(got))
	}
	conv, _ := eng.Conversation("c1")
	if conv.UnreadCount != 3 {
		t.Fatalf("unread: %d", conv.UnreadCount)
	}

	// Optimistic send appears as a fourth entry immediately.
	prov, result := eng.SendMessage(ctx, "c1", "four", nil)
	if !prov.ID.Provisional() {
		t.Fatalf("provisional expected, got %s", prov.ID)
	}
	got := eng.Messages("c1")
	if len(got) != 4 || !got[3].ID.Provisional() {
		t.Fatalf("window after send: %+v", got)
	}
	if stats := eng.Stats(); stats.PendingSends != 1 {
		t.Fatalf("pending sends: %d", stats.PendingSends)
	}

	// Confirmation replaces the provisional entry, still four entries.
	close(release)
	if res := <-result; res.Err != nil {
		t.Fatalf("send: %v", res.Err)
	}
	got = eng.Messages("c1")
	if len(got) != 4 {
		t.Fatalf("window after confirm: %d entries", len(got))
	}
	if got[3].ID != ConfirmedID("m4") {
		t.Fatalf("tail: %s", got[3].ID)
	}
	if !assertAscending(got) || !assertUniqueIDs(got) {
		t.Fatal("window inconsistent after confirmation")
	}
	conv, _ = eng.Conversation("c1")
	if conv.UnreadCount != 3 {
		t.Fatalf("own send grew unread: %d", conv.UnreadCount)
	}
	if conv.LastMessagePreview != "four" {
		t.Fatalf("preview: %q", conv.LastMessagePreview)
	}

	// Reaction round-trip on m2.
	if err := <-eng.ToggleReaction(ctx, "c1", ConfirmedID("m2"), "heart", true); err != nil {
		t.Fatalf("react: %v", err)
	}
	m2 := eng.Messages("c1")[1]
	if !m2.HasReaction("me", "heart") {
		t.Fatalf("reaction missing: %+v", m2.Reactions)
	}
	if err := <-eng.ToggleReaction(ctx, "c1", ConfirmedID("m2"), "heart", false); err != nil {
		t.Fatalf("unreact: %v", err)
	}
	if m2 := eng.Messages("c1")[1]; m2.HasReaction("me", "heart") {
		t.Fatalf("reaction not removed: %+v", m2.Reactions)
	}

	// Mark read zeroes unread; no one else has written since.
	clock.Advance(time.Minute)
	if err := <-eng.MarkRead(ctx, "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	conv, _ = eng.Conversation("c1")
	if conv.UnreadCount != 0 {
		t.Fatalf("unread after mark read: %d", conv.UnreadCount)
	}
	if stats := eng.Stats(); stats.TotalUnread != 0 || stats.ConfirmedSends != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestEngineMarkReadRecountsLateArrivals(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock(at(time.Minute))
	eng := newTestEngine(store, clock)
	ctx := context.Background()

	eng.Apply(MessageInserted{Message: confirmedMsg("m1", "c1", "alice", "old", at(0))})
	// Arrives before the marker write resolves but is stamped after it.
	eng.Apply(MessageInserted{Message: confirmedMsg("m2", "c1", "alice", "new", at(2 * time.Minute))})

	if err := <-eng.MarkRead(ctx, "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	conv, _ := eng.Conversation("c1")
	// The recount keeps the message stamped after the marker unread.
	if conv.UnreadCount != 1 {
		t.Fatalf("unread after recount: %d", conv.UnreadCount)
	}
}

func TestEngineOpenConversationSuppressesUnread(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock(at(time.Minute))
	eng := newTestEngine(store, clock)
	ctx := context.Background()

	eng.Apply(MessageInserted{Message: confirmedMsg("m1", "c1", "alice", "hi", at(0))})
	if err := <-eng.MarkRead(ctx, "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := eng.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// While open with a current marker, older traffic does not count.
	eng.Apply(MessageInserted{Message: confirmedMsg("m2", "c1", "alice", "seen live", at(30 * time.Second))})
	conv, _ := eng.Conversation("c1")
	if conv.UnreadCount != 0 {
		t.Fatalf("unread while open: %d", conv.UnreadCount)
	}

	eng.CloseConversation(ctx)
	eng.Apply(MessageInserted{Message: confirmedMsg("m3", "c1", "alice", "missed", at(2 * time.Minute))})
	conv, _ = eng.Conversation("c1")
	if conv.UnreadCount != 1 {
		t.Fatalf("unread after close: %d", conv.UnreadCount)
	}
}

func TestEngineReconcile(t *testing.T) {
	store := &fakeStore{}
	store.listFn = func() ([]Conversation, error) {
		return []Conversation{
			{ID: "c1", Kind: ConversationGroup, Title: "team", LastMessageAt: at(time.Hour)},
			{ID: "c2", Kind: ConversationDirect, LastMessageAt: at(0)},
		}, nil
	}
	clock := newFakeClock(at(0))
	eng := newTestEngine(store, clock)

	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	convs := eng.Conversations()
	if len(convs) != 2 || convs[0].ID != "c1" || convs[1].ID != "c2" {
		t.Fatalf("conversations: %+v", convs)
	}

	listErr := &TransportError{Op: "list conversations", Err: errors.New("down")}
	store.listFn = func() ([]Conversation, error) { return nil, listErr }
	if err := eng.Reconcile(context.Background()); !errors.Is(err, listErr) {
		t.Fatalf("expected listErr, got %v", err)
	}
	// Failure leaves the previous view intact.
	if got := eng.Conversations(); len(got) != 2 {
		t.Fatalf("registry mutated on failed reconcile: %+v", got)
	}
}

func TestEngineDegradedHandler(t *testing.T) {
	var mu sync.Mutex
	var degraded []error
	store := &fakeStore{}
	clock := newFakeClock(at(0))
	eng := newTestEngine(store, clock, WithDegradedHandler(func(err error) {
		mu.Lock()
		degraded = append(degraded, err)
		mu.Unlock()
	}))

	subErr := &TransportError{Op: "subscribe", Err: errors.New("refused")}
	eng.ingestor.onDegraded(subErr)

	mu.Lock()
	defer mu.Unlock()
	if len(degraded) != 1 || !errors.Is(degraded[0], subErr) {
		t.Fatalf("degraded calls: %v", degraded)
	}
}

func TestEngineMaxReconnectAttemptsOption(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock(at(0))
	eng := newTestEngine(store, clock, WithMaxReconnectAttempts(4))
	if got := eng.ingestor.recon.maxAttempts; got != 4 {
		t.Fatalf("reconnect budget not wired: %d", got)
	}
	// Default is unlimited.
	eng = newTestEngine(store, clock)
	if got := eng.ingestor.recon.maxAttempts; got != 0 {
		t.Fatalf("default reconnect budget: %d", got)
	}
}

func TestEngineStartCloseIdempotent(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock(at(0))
	eng := newTestEngine(store, clock, WithReconcileInterval(0))

	ctx := context.Background()
	eng.Start(ctx)
	eng.Start(ctx) // no-op
	eng.Close()
	eng.Close() // no-op
}

func TestEngineLoadOlderThenLiveTraffic(t *testing.T) {
	history := []Message{
		confirmedMsg("m1", "c1", "alice", "one", at(0)),
		confirmedMsg("m2", "c1", "bob", "two", at(time.Second)),
	}
	store := &fakeStore{}
	store.fetchFn = func(string, Cursor, int) (Page, error) {
		return Page{Messages: append([]Message(nil), history...)}, nil
	}
	clock := newFakeClock(at(time.Minute))
	eng := newTestEngine(store, clock)
	ctx := context.Background()

	// Live event lands before the first page load.
	eng.Apply(MessageInserted{Message: confirmedMsg("m3", "c1", "alice", "three", at(2 * time.Second))})

	added, hasMore, err := eng.LoadOlder(ctx, "c1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if added != 2 || hasMore {
		t.Fatalf("load: added=%d hasMore=%v", added, hasMore)
	}
	got := eng.Messages("c1")
	if len(got) != 3 || !assertAscending(got) || !assertUniqueIDs(got) {
		t.Fatalf("window after page merge: %+v", got)
	}
}
