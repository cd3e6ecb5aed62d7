package transit

import "fmt"

// Kind tags the taxonomy of errors a Connection or Transit can fail with.
// It is not meant to be exhaustive beyond what the negotiation and record
// paths can produce.
type Kind int

const (
	// KindBadHandshake covers divergent handshake bytes, inactivity
	// timeout, peer abandonment ("nevermind"), and early close.
	KindBadHandshake Kind = iota
	// KindBadNonce names a post-handshake record whose nonce broke
	// monotonicity. The record framer reports that case as *BadNonce, not
	// as an *Error of this kind.
	KindBadNonce
	// KindCancelled covers a contender losing the race, or connect()
	// being cancelled from the outside.
	KindCancelled
	// KindUsageError covers API misuse: an oversized record, SendRecord
	// before negotiation completes, a second attached consumer, or a race
	// with no contenders. A second transit-key set panics instead.
	KindUsageError
	// KindConnectionClosed is delivered to pull-model readers waiting at
	// the moment the Connection closes.
	KindConnectionClosed
)

func (k Kind) String() string {
	switch k {
	case KindBadHandshake:
		return "BadHandshake"
	case KindBadNonce:
		return "BadNonce"
	case KindCancelled:
		return "Cancelled"
	case KindUsageError:
		return "UsageError"
	case KindConnectionClosed:
		return "ConnectionClosed"
	default:
		return "Unknown"
	}
}

// Error is the error type for every failure this package produces except
// a record nonce mismatch, which is reported as *BadNonce. Callers that
// need to branch on taxonomy use errors.As and inspect Kind.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func wrapErr(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// ErrCancelled is a shared sentinel for the common no-reason cancellation
// case so callers can do errors.Is(err, ErrCancelled).
var ErrCancelled = newErr(KindCancelled, "")

// BadNonce reports the nonce mismatch detected by the record framer.
type BadNonce struct {
	Got, Want uint64
}

func (e *BadNonce) Error() string {
	return fmt.Sprintf("BadNonce: got %d want %d", e.Got, e.Want)
}
