package syncwire

import "fmt"

// TransportError wraps a network or timeout failure. Callers may retry the
// operation as a brand-new intent.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthorizationError reports a write rejected by policy.
type AuthorizationError struct {
	Op     string
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s rejected by policy", e.Op)
	}
	return fmt.Sprintf("%s rejected by policy: %s", e.Op, e.Reason)
}

// NotFoundError reports a missing conversation or message.
type NotFoundError struct {
	Kind string // "conversation" or "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError reports a write the store considers already applied, such as
// a duplicate reaction. The coordinator treats it as a successful no-op.
type ConflictError struct {
	Op string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflicts with already-applied state", e.Op)
}
