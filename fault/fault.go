package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure. The values double as the machine
// readable error codes returned over HTTP and as metric labels.
type Kind string

const (
	KindQueueFull     Kind = "QUEUE_FULL"
	KindValidation    Kind = "VALIDATION"
	KindNoKeys        Kind = "NO_KEYS"
	KindNonceDrift    Kind = "NONCE_DRIFT"
	KindTransient     Kind = "TRANSIENT"
	KindInvalidTx     Kind = "INVALID_TX"
	KindContractError Kind = "CONTRACT_ERROR"
	KindShuttingDown  Kind = "SHUTTING_DOWN"
)

// Error carries a failure kind alongside the underlying cause. A nil cause is
// valid for failures that originate locally rather than from the node.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil when err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification of err, unwrapping as needed. Unclassified
// errors report KindTransient: the caller cannot do better than retry later.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
