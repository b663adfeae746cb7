// Package syncwire keeps a client-side view of conversations and messages
// consistent under optimistic local writes, out-of-order push events and
// paginated history loads.
//
// The Engine owns one authoritative in-memory representation per
// conversation. Local intents (send, react, mark read) enter through the
// optimistic coordinator and appear immediately; server-originated changes
// enter through the event ingestor; both converge on the same caches, from
// which unread counts and conversation ordering are derived.
//
//	store := syncwire.NewHTTPStore("https://api.example.com", token)
//	sub := syncwire.NewWSSubscriber("https://api.example.com", token)
//	eng := syncwire.New(store, sub, selfUserID)
//	eng.Start(ctx)
//	defer eng.Close()
//
//	provisional, result := eng.SendMessage(ctx, convID, "hi", nil)
package syncwire

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the page size for backward pagination.
const DefaultPageSize = 50

// DefaultReconcileInterval is how often the conversation list is refetched
// to bound staleness from missed events.
const DefaultReconcileInterval = 5 * time.Minute

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger; the default is a no-op logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTypingExpiry sets the typing debounce/prune window.
func WithTypingExpiry(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingExpiry = d }
}

// WithPageSize sets the pagination page size.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) { e.pageSize = n }
}

// WithReconcileInterval sets how often the conversation list is refetched.
// Zero disables periodic reconciliation.
func WithReconcileInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.reconcileEvery = d }
}

// WithDegradedHandler registers the callback fired when resubscription keeps
// failing and the caller should fall back to periodic full refetch.
func WithDegradedHandler(fn func(error)) EngineOption {
	return func(e *Engine) { e.onDegraded = fn }
}

// WithMaxReconnectAttempts bounds consecutive resubscription attempts before
// the ingestion loop gives up; zero (the default) retries forever.
func WithMaxReconnectAttempts(n int) EngineOption {
	return func(e *Engine) { e.maxReconnects = n }
}

// SendOptions are the optional fields of a send intent.
type SendOptions struct {
	Kind     MessageKind
	ReplyTo  string
	Metadata map[string]any
}

// EngineStats is a point-in-time snapshot of engine state.
type EngineStats struct {
	Conversations  int
	TotalUnread    int
	PendingSends   int
	ConfirmedSends int
	FailedSends    int
	OnlineUsers    int
}

// Engine is the conversation sync engine.
type Engine struct {
	store  Store
	sub    Subscriber
	selfID string

	log            zerolog.Logger
	now            func() time.Time
	typingExpiry   time.Duration
	pageSize       int
	reconcileEvery time.Duration
	maxReconnects  int
	onDegraded     func(error)

	cache       *PageCache
	registry    *Registry
	typing      *TypingTracker
	presence    *PresenceTracker
	coordinator *Coordinator
	ingestor    *Ingestor

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	open    string
}

// New builds an engine for the given local user. sub may be nil for purely
// pull-based usage; typing signals are forwarded only when the subscriber
// implements TypingSignaler.
func New(store Store, sub Subscriber, selfUserID string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		sub:            sub,
		selfID:         selfUserID,
		log:            zerolog.Nop(),
		now:            time.Now,
		typingExpiry:   DefaultTypingExpiry,
		pageSize:       DefaultPageSize,
		reconcileEvery: DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cache = NewPageCache(store, e.pageSize, e.log)
	e.registry = NewRegistry(selfUserID, e.recountUnread, e.log)
	var signaler TypingSignaler
	if ts, ok := sub.(TypingSignaler); ok {
		signaler = ts
	}
	e.typing = NewTypingTracker(signaler, e.typingExpiry, e.now, e.log)
	e.presence = NewPresenceTracker()
	e.coordinator = NewCoordinator(store, e.cache, e.registry, selfUserID, e.now, e.log)
	e.ingestor = NewIngestor(sub, e.cache, e.registry, e.typing, e.presence, selfUserID, e.log)
	e.ingestor.SetMaxReconnectAttempts(e.maxReconnects)
	e.ingestor.OnResubscribe(func(ctx context.Context) {
		if err := e.Reconcile(ctx); err != nil {
			e.log.Warn().Err(err).Msg("post-resubscribe reconcile failed")
		}
	})
	e.ingestor.OnDegraded(func(err error) {
		e.log.Warn().Err(err).Msg("push connectivity degraded")
		if e.onDegraded != nil {
			e.onDegraded(err)
		}
	})
	return e
}

// Start launches the ingestion loop and the scheduler that drives typing
// expiry and periodic reconciliation. It is a no-op when already started.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if e.sub != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.ingestor.Run(runCtx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tickLoop(runCtx)
	}()
}

// Close stops background work and waits for it to drain. In-flight optimistic
// writes still resolve to Confirmed or Failed through their result channels.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) tickLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var reconcile <-chan time.Time
	if e.reconcileEvery > 0 {
		rt := time.NewTicker(e.reconcileEvery)
		defer rt.Stop()
		reconcile = rt.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.typing.Tick(ctx)
		case <-reconcile:
			if err := e.Reconcile(ctx); err != nil {
				e.log.Warn().Err(err).Msg("periodic reconcile failed")
			}
		}
	}
}

// ── intents ───────────────────────────────────────────────

// SendMessage sends a message optimistically. The returned record is the
// provisional entry, already visible in the cache; the channel delivers the
// terminal result. Sending also clears local typing state.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (Message, <-chan SendResult) {
	intent := SendIntent{ConversationID: conversationID, Content: content}
	if opts != nil {
		intent.Kind = opts.Kind
		intent.ReplyTo = opts.ReplyTo
		intent.Metadata = opts.Metadata
	}
	e.typing.Stop(ctx, conversationID)
	return e.coordinator.SendMessage(ctx, intent)
}

// ToggleReaction adds or removes the local user's reaction optimistically.
func (e *Engine) ToggleReaction(ctx context.Context, conversationID string, messageID MessageID, kind string, add bool) <-chan error {
	return e.coordinator.ToggleReaction(ctx, conversationID, messageID, kind, add)
}

// MarkRead optimistically marks the conversation read at the current time.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) <-chan error {
	return e.coordinator.MarkRead(ctx, conversationID)
}

// TypingActivity records local input activity in the conversation.
func (e *Engine) TypingActivity(ctx context.Context, conversationID string) {
	e.typing.Activity(ctx, conversationID)
}

// LoadOlder loads the next older page for the conversation. It returns the
// number of messages added and whether more pages may exist.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (int, bool, error) {
	return e.cache.LoadOlder(ctx, conversationID)
}

// ── lifecycle of interest ─────────────────────────────────

// OpenConversation marks the conversation as displayed: incoming messages
// stop counting as unread and, when the subscriber scopes delivery by room,
// a reference to the room is acquired. Any previously open conversation is
// closed first.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prev := e.open
	e.open = conversationID
	e.mu.Unlock()

	if prev != "" && prev != conversationID {
		e.closeConversation(ctx, prev)
	}
	e.registry.SetOpen(conversationID)

	if joiner, ok := e.sub.(ConversationJoiner); ok {
		if err := joiner.Acquire(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// CloseConversation releases the currently open conversation.
func (e *Engine) CloseConversation(ctx context.Context) {
	e.mu.Lock()
	prev := e.open
	e.open = ""
	e.mu.Unlock()

	e.registry.SetOpen("")
	if prev != "" {
		e.closeConversation(ctx, prev)
	}
}

func (e *Engine) closeConversation(ctx context.Context, conversationID string) {
	e.typing.Stop(ctx, conversationID)
	if joiner, ok := e.sub.(ConversationJoiner); ok {
		if err := joiner.Release(ctx, conversationID); err != nil {
			e.log.Debug().Err(err).Str("conversation", conversationID).Msg("room release failed")
		}
	}
}

// ── reads ─────────────────────────────────────────────────

// Conversations returns the conversation list, most recent first.
func (e *Engine) Conversations() []Conversation { return e.registry.Conversations() }

// Conversation returns one conversation.
func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	return e.registry.Get(conversationID)
}

// Messages returns the cached window for a conversation, oldest first.
func (e *Engine) Messages(conversationID string) []Message { return e.cache.Messages(conversationID) }

// TypingUsers returns who is currently typing in the conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.typing.TypingUsers(conversationID)
}

// OnlineUsers returns the current online set.
func (e *Engine) OnlineUsers() []string { return e.presence.Online() }

// IsOnline reports one user's presence.
func (e *Engine) IsOnline(userID string) bool { return e.presence.IsOnline(userID) }

// Apply routes one externally received event, e.g. from a webhook delivery.
func (e *Engine) Apply(ev Event) {
	e.ingestor.Apply(ev)
}

// Reconcile refetches the conversation list and overwrites registry state
// with the server's view. Called periodically and after resubscription.
func (e *Engine) Reconcile(ctx context.Context) error {
	convs, err := e.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	e.registry.UpsertAll(convs)
	e.log.Debug().Int("conversations", len(convs)).Msg("reconciled conversation list")
	return nil
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() EngineStats {
	confirmed, failed := e.coordinator.Counts()
	return EngineStats{
		Conversations:  len(e.registry.Conversations()),
		TotalUnread:    e.registry.TotalUnread(),
		PendingSends:   e.coordinator.PendingSends(),
		ConfirmedSends: confirmed,
		FailedSends:    failed,
		OnlineUsers:    len(e.presence.Online()),
	}
}

func (e *Engine) recountUnread(conversationID string, after time.Time) int {
	n := 0
	for _, msg := range e.cache.Messages(conversationID) {
		if msg.SenderID == e.selfID || msg.Deleted() {
			continue
		}
		if msg.CreatedAt.After(after) {
			n++
		}
	}
	return n
}
