package syncwire

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDegradedAfter is how many consecutive subscribe failures raise the
// degraded-connectivity signal.
const DefaultDegradedAfter = 3

// Ingestor consumes the push subscription and routes every event to the
// right cache with idempotent merge semantics: a redelivered event is a no-op
// relative to already-applied state.
type Ingestor struct {
	sub      Subscriber
	cache    *PageCache
	registry *Registry
	typing   *TypingTracker
	presence *PresenceTracker
	selfID   string
	log      zerolog.Logger

	recon         *reconnector
	degradedAfter int
	onDegraded    func(error)
	reconcile     func(context.Context)
}

// NewIngestor wires the ingestor to its caches. onDegraded and reconcile may
// be nil. reconcile runs after every successful resubscription, because
// events may have been missed while disconnected.
func NewIngestor(sub Subscriber, cache *PageCache, registry *Registry, typing *TypingTracker, presence *PresenceTracker, selfID string, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		sub:           sub,
		cache:         cache,
		registry:      registry,
		typing:        typing,
		presence:      presence,
		selfID:        selfID,
		log:           log,
		recon:         newReconnector(time.Second, 30*time.Second, 0),
		degradedAfter: DefaultDegradedAfter,
	}
}

// OnDegraded registers the degraded-connectivity callback, invoked once per
// outage after repeated subscribe failures.
func (in *Ingestor) OnDegraded(fn func(error)) { in.onDegraded = fn }

// OnResubscribe registers the reconcile hook run after a resubscription.
func (in *Ingestor) OnResubscribe(fn func(context.Context)) { in.reconcile = fn }

// SetMaxReconnectAttempts bounds consecutive resubscription attempts; when
// exhausted Run gives up and returns. Zero means unlimited. A connection
// that stays up past the stability window restores the budget.
func (in *Ingestor) SetMaxReconnectAttempts(n int) { in.recon.maxAttempts = n }

// Run subscribes and processes events until ctx is cancelled, resubscribing
// with exponential backoff whenever the channel drops. Interruptions are not
// surfaced to callers unless resubscription itself keeps failing, at which
// point the degraded callback fires; when a reconnect-attempt budget is set
// and exhausted, Run gives up entirely.
func (in *Ingestor) Run(ctx context.Context) {
	in.recon.reset()
	failures := 0
	degraded := false
	first := true

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := in.sub.Subscribe(ctx)
		if err != nil {
			failures++
			in.log.Warn().Err(err).Int("failures", failures).Msg("subscribe failed")
			if failures >= in.degradedAfter && !degraded {
				degraded = true
				if in.onDegraded != nil {
					in.onDegraded(err)
				}
			}
			if !in.recon.shouldReconnect() {
				if !degraded && in.onDegraded != nil {
					in.onDegraded(err)
				}
				in.log.Error().Err(err).Int("failures", failures).Msg("reconnect attempts exhausted")
				return
			}
			if !sleepCtx(ctx, in.recon.nextDelay()) {
				return
			}
			continue
		}

		failures = 0
		degraded = false
		in.recon.markConnected()
		in.log.Info().Msg("push subscription established")

		if !first && in.reconcile != nil {
			in.reconcile(ctx)
		}
		first = false

		for ev := range sub.Events() {
			in.Apply(ev)
		}
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		// Presence cannot be trusted until the next sync event.
		in.presence.Reset()
		in.log.Warn().AnErr("cause", sub.Err()).Msg("push subscription lost")
		if !in.recon.shouldReconnect() {
			in.log.Error().Msg("reconnect attempts exhausted")
			return
		}
		if !sleepCtx(ctx, in.recon.nextDelay()) {
			return
		}
	}
}

// Apply routes a single event. It is also the entry point for alternate push
// paths such as the webhook receiver.
func (in *Ingestor) Apply(ev Event) {
	switch ev := ev.(type) {
	case MessageInserted:
		msg := ev.Message
		outcome := in.cache.Merge(msg.ConversationID, msg)
		if outcome == MergeUpdated {
			// Redelivery after a resubscribe; already applied.
			return
		}
		in.registry.ApplyIncomingMessage(msg.ConversationID, msg)

	case MessageUpdated:
		msg := ev.Message
		in.cache.ApplyUpdate(msg.ConversationID, msg)
		// Only an update of the conversation's head message may rewrite
		// the preview; timestamps alone cannot decide that under ties.
		if latest, ok := in.cache.Latest(msg.ConversationID); ok && latest.ID == msg.ID {
			in.registry.RefreshPreview(msg.ConversationID, latest)
		}

	case TypingChanged:
		in.typing.ApplyRemote(ev)

	case PresenceChanged:
		in.presence.Apply(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
