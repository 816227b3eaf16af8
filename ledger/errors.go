package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the ledger subsystem can produce.
// Callers branch on the kind, never on raw node error strings.
type ErrorKind string

const (
	KindNotConfigured     ErrorKind = "not_configured"
	KindNotFound          ErrorKind = "not_found"
	KindSenderMismatch    ErrorKind = "sender_mismatch"
	KindWrongTarget       ErrorKind = "wrong_target"
	KindExecutionFailed   ErrorKind = "execution_failed"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindRejected          ErrorKind = "rejected"
	KindTimeout           ErrorKind = "timeout"
	KindConflict          ErrorKind = "conflict"
	KindInternal          ErrorKind = "internal"
)

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err; unclassified errors are
// reported as internal.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// Decision tells the caller how to proceed after a classified failure.
type Decision int

const (
	Surface Decision = iota
	Fallback
	Retry
)

// Decide maps a failure kind to the recovery policy. NotConfigured and
// Timeout degrade to the off-chain path; verification mismatches can never
// succeed on retry and are surfaced.
func Decide(kind ErrorKind) Decision {
	switch kind {
	case KindNotConfigured, KindTimeout:
		return Fallback
	case KindInternal:
		return Retry
	default:
		return Surface
	}
}

// UserMessage maps a failure kind to one of a handful of short user-facing
// strings. Raw node errors are logged, never shown.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindNotConfigured, KindTimeout:
		return "sent without on-chain anchoring"
	case KindSenderMismatch, KindWrongTarget:
		return "transaction could not be verified"
	case KindInsufficientFunds:
		return "relay is out of funds"
	case KindRejected:
		return "signature request was declined"
	case KindExecutionFailed:
		return "transaction failed on chain"
	case KindConflict:
		return "call already ended"
	case KindNotFound:
		return "transaction not found"
	default:
		return "something went wrong"
	}
}
