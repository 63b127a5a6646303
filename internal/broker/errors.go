package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed call for callers. The broker never
// leaks raw transport errors across the caller boundary; every failure
// carries one of these kinds plus a human-readable message.
type ErrorKind string

const (
	// KindBotOffline means no live connection exists for the target
	// identity. Expected and retryable, not a defect.
	KindBotOffline ErrorKind = "BOT_OFFLINE"

	// KindTimeout means the call exceeded its deadline. Retryable.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindTransportError means the connection dropped mid-call.
	// Retryable after the bot reconnects.
	KindTransportError ErrorKind = "TRANSPORT_ERROR"

	// KindAborted means the call was explicitly cancelled. Terminal.
	KindAborted ErrorKind = "ABORTED"

	// KindMethodNotSupported means the bot's dispatch table does not
	// recognize the method. Not retryable without a code change.
	KindMethodNotSupported ErrorKind = "METHOD_NOT_SUPPORTED"

	// KindSetupFailed means resource acquisition failed on the bot side.
	KindSetupFailed ErrorKind = "SETUP_FAILED"

	// KindNoTabs means the bot has no tab available to drive.
	KindNoTabs ErrorKind = "NO_TABS"
)

// Retryable reports whether a caller may reasonably retry after this
// kind of failure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBotOffline, KindTimeout, KindTransportError:
		return true
	}
	return false
}

// CallError is the structured failure surfaced for every unsuccessful
// call.
type CallError struct {
	Kind    ErrorKind
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewCallError builds a CallError with a formatted message.
func NewCallError(kind ErrorKind, format string, args ...interface{}) *CallError {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrBotOffline builds the standard offline failure for an identity.
func ErrBotOffline(identity string) *CallError {
	return NewCallError(KindBotOffline, "no live connection for bot %s", identity)
}

// KindOf extracts the ErrorKind from err, or "" if err is not a
// CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a CallError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
