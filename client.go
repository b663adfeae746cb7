package syncwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each HTTP round-trip of the store.
const DefaultTimeout = 30 * time.Second

// apiResult is the response envelope of the backing REST API.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*HTTPStore)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) HTTPStoreOption {
	return func(s *HTTPStore) { s.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPStoreOption {
	return func(s *HTTPStore) { s.httpClient = client }
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(log zerolog.Logger) HTTPStoreOption {
	return func(s *HTTPStore) { s.log = log }
}

// HTTPStore implements Store against the backing REST API.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPStore builds a store for the given endpoint and bearer token.
func NewHTTPStore(baseURL, token string, opts ...HTTPStoreOption) *HTTPStore {
	s := &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchMessages implements Store.
func (s *HTTPStore) FetchMessages(ctx context.Context, conversationID string, before Cursor, pageSize int) (Page, error) {
	query := map[string]string{"limit": fmt.Sprintf("%d", pageSize)}
	if before != "" {
		query["before"] = string(before)
	}
	data, err := s.doRequest(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query, nil,
		"fetch messages", "conversation", conversationID)
	if err != nil {
		return Page{}, err
	}
	page, err := decodeJSON[Page](data)
	if err != nil {
		return Page{}, err
	}
	return *page, nil
}

// SendMessage implements Store. The intent's idempotency key travels as a
// header so a retried request cannot duplicate the message.
func (s *HTTPStore) SendMessage(ctx context.Context, intent SendIntent) (Message, error) {
	body := map[string]any{
		"content": intent.Content,
		"kind":    intent.Kind,
	}
	if intent.ReplyTo != "" {
		body["replyTo"] = intent.ReplyTo
	}
	if intent.Metadata != nil {
		body["metadata"] = intent.Metadata
	}
	headers := map[string]string{"Idempotency-Key": intent.IdempotencyKey}
	data, err := s.doRequest(ctx, "POST", "/api/conversations/"+intent.ConversationID+"/messages", body, nil, headers,
		"send message", "conversation", intent.ConversationID)
	if err != nil {
		return Message{}, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return Message{}, err
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = intent.IdempotencyKey
	}
	return *msg, nil
}

// SetReaction implements Store.
func (s *HTTPStore) SetReaction(ctx context.Context, messageID, userID, kind string, add bool) error {
	method := "POST"
	if !add {
		method = "DELETE"
	}
	path := "/api/messages/" + messageID + "/reactions/" + url.PathEscape(kind)
	_, err := s.doRequest(ctx, method, path, nil, map[string]string{"userId": userID}, nil,
		"set reaction", "message", messageID)
	return err
}

// SetReadMarker implements Store.
func (s *HTTPStore) SetReadMarker(ctx context.Context, conversationID, userID string, at time.Time) error {
	body := map[string]any{"userId": userID, "at": at.UTC().Format(time.RFC3339Nano)}
	_, err := s.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/read", body, nil, nil,
		"set read marker", "conversation", conversationID)
	return err
}

// ListConversations implements Store.
func (s *HTTPStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := s.doRequest(ctx, "GET", "/api/conversations", nil, nil, nil,
		"list conversations", "conversation", "")
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// doRequest performs one API call and maps failures onto the error taxonomy:
// network problems become TransportError, 401/403 AuthorizationError, 404
// NotFoundError and 409 ConflictError. It returns the envelope's data field.
func (s *HTTPStore) doRequest(ctx context.Context, method, path string, body any, query, headers map[string]string, op, kind, id string) (json.RawMessage, error) {
	u := s.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthorizationError{Op: op, Reason: apiErrorMessage(data)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Kind: kind, ID: id}
	case resp.StatusCode == http.StatusConflict:
		return nil, &ConflictError{Op: op}
	case resp.StatusCode >= 400:
		return nil, &TransportError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, apiErrorMessage(data))}
	}

	result, err := decodeJSON[apiResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		msg := "request failed"
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, &TransportError{Op: op, Err: fmt.Errorf("%s", msg)}
	}
	return result.Data, nil
}

func apiErrorMessage(data []byte) string {
	result, err := decodeJSON[apiResult](data)
	if err != nil || result.Error == nil {
		return ""
	}
	return result.Error.Message
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
