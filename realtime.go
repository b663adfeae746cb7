package syncwire

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wireEnvelope is the framing for all push events and client commands.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type wireTyping struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Typing         bool      `json:"typing"`
	At             time.Time `json:"at"`
}

type wirePresence struct {
	Kind    PresenceEventKind `json:"kind"`
	UserID  string            `json:"userId,omitempty"`
	UserIDs []string          `json:"userIds,omitempty"`
}

// decodeEvent turns a wire envelope into its tagged event variant. Unknown
// event types are dropped so protocol additions do not break old clients.
func decodeEvent(env wireEnvelope) (Event, bool) {
	switch env.Type {
	case "message.inserted":
		var msg Message
		if json.Unmarshal(env.Payload, &msg) != nil {
			return nil, false
		}
		return MessageInserted{Message: msg}, true
	case "message.updated":
		var msg Message
		if json.Unmarshal(env.Payload, &msg) != nil {
			return nil, false
		}
		return MessageUpdated{Message: msg}, true
	case "typing.changed":
		var p wireTyping
		if json.Unmarshal(env.Payload, &p) != nil {
			return nil, false
		}
		return TypingChanged{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			Typing:         p.Typing,
			At:             p.At,
		}, true
	case "presence.changed":
		var p wirePresence
		if json.Unmarshal(env.Payload, &p) != nil {
			return nil, false
		}
		return PresenceChanged{Kind: p.Kind, UserID: p.UserID, UserIDs: p.UserIDs}, true
	}
	return nil, false
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WebSocket subscriber
// ============================================================================

// WSSubscriberOption configures a WSSubscriber.
type WSSubscriberOption func(*WSSubscriber)

// WithWSHTTPClient sets the HTTP client used for the websocket handshake.
func WithWSHTTPClient(client *http.Client) WSSubscriberOption {
	return func(s *WSSubscriber) { s.httpClient = client }
}

// WithHeartbeat sets the interval of connection-liveness pings.
func WithHeartbeat(interval time.Duration) WSSubscriberOption {
	return func(s *WSSubscriber) { s.heartbeat = interval }
}

// WithWSLogger sets the subscriber's logger.
func WithWSLogger(log zerolog.Logger) WSSubscriberOption {
	return func(s *WSSubscriber) { s.log = log }
}

// WSSubscriber implements Subscriber, ConversationJoiner and TypingSignaler
// over a websocket. Conversation rooms are reference counted: the join
// command goes out on the first acquire, the leave command on the last
// release, and all held rooms are re-joined after a resubscribe so no channel
// leaks or goes silently un-joined.
type WSSubscriber struct {
	baseURL    string
	token      string
	httpClient *http.Client
	heartbeat  time.Duration
	log        zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	refs map[string]int
}

// NewWSSubscriber builds a subscriber for the given endpoint. Call Subscribe
// to establish the channel.
func NewWSSubscriber(baseURL, token string, opts ...WSSubscriberOption) *WSSubscriber {
	s := &WSSubscriber{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		heartbeat: 25 * time.Second,
		log:       zerolog.Nop(),
		refs:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe dials the push endpoint and returns the live subscription. Rooms
// already acquired are re-joined before any event is delivered.
func (s *WSSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + s.token

	var dialOpts *websocket.DialOptions
	if s.httpClient != nil {
		dialOpts = &websocket.DialOptions{HTTPClient: s.httpClient}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	held := make([]string, 0, len(s.refs))
	for conv := range s.refs {
		held = append(held, conv)
	}
	s.mu.Unlock()

	for _, conv := range held {
		if err := s.send(ctx, conn, "conversation.join", map[string]string{"conversationId": conv}); err != nil {
			conn.Close(websocket.StatusInternalError, "rejoin failed")
			return nil, &TransportError{Op: "subscribe", Err: err}
		}
	}

	sub := &wsSubscription{
		conn:   conn,
		events: make(chan Event, 64),
	}
	readCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	go sub.readLoop(readCtx, s.log)
	go sub.heartbeatLoop(readCtx, s.heartbeat)
	return sub, nil
}

// Acquire registers interest in a conversation. The first interested consumer
// joins the room.
func (s *WSSubscriber) Acquire(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.refs[conversationID]++
	first := s.refs[conversationID] == 1
	conn := s.conn
	s.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	return s.send(ctx, conn, "conversation.join", map[string]string{"conversationId": conversationID})
}

// Release drops one reference. Closing the last interested consumer leaves
// the room.
func (s *WSSubscriber) Release(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	n, ok := s.refs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	n--
	last := n == 0
	if last {
		delete(s.refs, conversationID)
	} else {
		s.refs[conversationID] = n
	}
	conn := s.conn
	s.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	return s.send(ctx, conn, "conversation.leave", map[string]string{"conversationId": conversationID})
}

// Refs returns the current reference count for a conversation.
func (s *WSSubscriber) Refs(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[conversationID]
}

// SignalTyping forwards a local typing transition to the room.
func (s *WSSubscriber) SignalTyping(ctx context.Context, conversationID string, typing bool) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "typing signal", Err: errNotConnected}
	}
	kind := "typing.stop"
	if typing {
		kind = "typing.start"
	}
	return s.send(ctx, conn, kind, map[string]string{"conversationId": conversationID})
}

var errNotConnected = fmt.Errorf("not connected")

func (s *WSSubscriber) send(ctx context.Context, conn *websocket.Conn, kind string, payload any) error {
	data, err := json.Marshal(wireCommand{Type: kind, Payload: payload})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: kind, Err: err}
	}
	return nil
}

// ── subscription ──────────────────────────────────────────

type wsSubscription struct {
	conn   *websocket.Conn
	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "client close")
}

func (s *wsSubscription) readLoop(ctx context.Context, log zerolog.Logger) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			log.Debug().Msg("unparseable push frame dropped")
			continue
		}
		ev, ok := decodeEvent(env)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSubscription) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
