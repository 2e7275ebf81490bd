package swap

import (
	"fmt"
)

// ErrKind classifies a swap error; the machines map each kind to a
// state transition rather than inspecting error text.
type ErrKind uint8

const (
	// KindTransient covers network and RPC blips worth retrying.
	KindTransient ErrKind = iota + 1
	// KindPeer covers counterparty misbehaviour: bad signatures,
	// protocol violations, rate abuse.
	KindPeer
	// KindValidation covers untrusted data failing its checks. Always
	// fail closed.
	KindValidation
	// KindResource covers local exhaustion: balance, disk.
	KindResource
	// KindInternal covers invariant violations; never recovered
	// in-process.
	KindInternal
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPeer:
		return "peer"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified swap failure. Code is the machine-readable
// identifier persisted into abort and refund events.
type Error struct {
	Kind ErrKind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(kind ErrKind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func transientErr(code string, err error) *Error {
	return classify(KindTransient, code, err)
}

func validationErr(code string, err error) *Error {
	return classify(KindValidation, code, err)
}

func resourceErr(code string, err error) *Error {
	return classify(KindResource, code, err)
}

// reasonOf flattens an error into the code and text persisted in
// Aborted and RefundRequired events.
func reasonOf(err error) Reason {
	if e, ok := err.(*Error); ok {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return Reason{Code: e.Code, Message: msg}
	}
	return Reason{Code: "error", Message: err.Error()}
}
