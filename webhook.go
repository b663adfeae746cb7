package syncwire

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC of a webhook delivery.
const SignatureHeader = "X-Syncwire-Signature"

// WebhookDelivery is the body of one webhook POST: a push event in the same
// envelope the websocket channel uses, plus delivery metadata. Webhooks are
// the push path for server-side consumers that cannot hold a socket open;
// delivery is at-least-once, so handlers go through the ingestor's idempotent
// apply.
type WebhookDelivery struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// At returns the delivery timestamp.
func (d *WebhookDelivery) At() time.Time {
	return time.Unix(d.Timestamp, 0).UTC()
}

// Decode turns the delivery into its tagged event variant.
func (d *WebhookDelivery) Decode() (Event, bool) {
	return decodeEvent(wireEnvelope{Type: d.Event, Payload: d.Payload})
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature of a webhook body.
// The signature may carry the "sha256=" prefix or be bare hex. Comparison is
// constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// WebhookHandler returns an http.Handler that verifies, parses and applies
// webhook deliveries. apply is typically Ingestor.Apply. Unknown event types
// are acknowledged and dropped so new server-side kinds do not cause
// redelivery storms.
func WebhookHandler(secret string, apply func(Event)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if !VerifyWebhookSignature(string(body), r.Header.Get(SignatureHeader), secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var delivery WebhookDelivery
		if err := json.Unmarshal(body, &delivery); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if ev, ok := delivery.Decode(); ok {
			apply(ev)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}
