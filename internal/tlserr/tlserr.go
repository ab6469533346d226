// Package tlserr defines the caller-visible error kinds raised by the
// handshake state machine and record layer.
package tlserr

import "fmt"

// Kind identifies one of the caller-visible error classes from the TLS
// core. Callers match them with errors.Is against Sentinel(kind), or read
// Error.Kind after errors.As.
type Kind string

const (
	ProtocolVersion    Kind = "protocol_version"
	UnexpectedMessage  Kind = "unexpected_message"
	DecodeError        Kind = "decode_error"
	BadRecordMAC       Kind = "bad_record_mac"
	HandshakeFailure   Kind = "handshake_failure"
	BadCertificate     Kind = "bad_certificate"
	DecryptError       Kind = "decrypt_error"
	InternalError      Kind = "internal_error"
	Closed             Kind = "closed"
)

// Error wraps a Kind with a human-readable message and, optionally, the
// underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tls: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("tls: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, tlserr.Sentinel(tlserr.BadRecordMAC)) match any
// *Error of that kind by comparing Kind alone; Msg and Err are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Sentinel lets callers write errors.Is(err, tlserr.Sentinel(tlserr.Closed)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
