// Package errs names the connector's error taxonomy (spec §7). Each kind
// wraps an underlying cause so callers can both `errors.Is` against the
// kind and unwrap to the original error.
package errs

import "fmt"

// Kind is one of the seven named failure classes.
type Kind string

const (
	KindConfig      Kind = "ConfigError"
	KindAuth        Kind = "AuthError"
	KindTransport   Kind = "TransportError"
	KindProtocol    Kind = "ProtocolError"
	KindSchema      Kind = "SchemaRejection"
	KindOverflow    Kind = "Overflow"
	KindCertificate Kind = "CertificateError"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	Cause error
	Msg   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, target) match by kind: when target is itself an
// *Error, any *Error in the chain with the same Kind matches, whatever its
// message or cause. A bare Kind is not an error and cannot be a target.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Cause: cause, Msg: msg}
}

func Config(msg string, cause error) *Error      { return New(KindConfig, msg, cause) }
func Auth(msg string, cause error) *Error        { return New(KindAuth, msg, cause) }
func Transport(msg string, cause error) *Error    { return New(KindTransport, msg, cause) }
func Protocol(msg string, cause error) *Error     { return New(KindProtocol, msg, cause) }
func Schema(msg string, cause error) *Error       { return New(KindSchema, msg, cause) }
func Overflow(msg string, cause error) *Error     { return New(KindOverflow, msg, cause) }
func Certificate(msg string, cause error) *Error  { return New(KindCertificate, msg, cause) }
