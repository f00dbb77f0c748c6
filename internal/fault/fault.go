// Package fault classifies pipeline failures and keeps an observable,
// timestamped log of them. Failures are recorded here instead of being
// returned up the stack; only signaling exhaustion is terminal.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the session recovers from it.
type Kind int

const (
	// KindTransport: signaling unavailable, recovered by fallback/retry.
	KindTransport Kind = iota
	// KindNegotiation: malformed or out-of-order description/candidate,
	// recovered by a full connection restart.
	KindNegotiation
	// KindDetectionTimeout: no detection result by the deadline, counted as a drop.
	KindDetectionTimeout
	// KindQueueOverflow: expected backpressure event, counted not raised.
	KindQueueOverflow
	// KindResourceAcquisition: capture source unavailable, session degrades.
	KindResourceAcquisition
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNegotiation:
		return "negotiation"
	case KindDetectionTimeout:
		return "detection-timeout"
	case KindQueueOverflow:
		return "queue-overflow"
	case KindResourceAcquisition:
		return "resource-acquisition"
	default:
		return "unknown"
	}
}

var (
	// ErrSignalingExhausted is the only terminal failure: every signaling
	// path was tried and none could be (re)established.
	ErrSignalingExhausted = errors.New("all signaling transports exhausted")
	ErrDetectionTimeout   = errors.New("detection result not received before deadline")
	ErrNoCaptureDevice    = errors.New("no capture device available")
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsTerminal reports whether err ends the session.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSignalingExhausted)
}
