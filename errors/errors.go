// Package errors provides the classified error taxonomy shared by all
// msglink layers. It includes the error kinds raised by the link state
// machine, sentinel errors for common conditions, and helper functions for
// consistent error wrapping across the module.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies link-raised errors for handling purposes. The connection
// supervisor maps fatal kinds to WebSocket close codes; non-fatal kinds are
// either tolerated (logged and dropped) or surfaced to the caller as
// programmer errors.
type Kind int

const (
	// KindNone marks errors that did not originate from the link layer
	KindNone Kind = iota
	// KindInvalidConnection indicates access to an unknown or dead connection
	KindInvalidConnection
	// KindMalformedMessage indicates a message that could not be parsed or
	// was structurally invalid (missing or mistyped fields)
	KindMalformedMessage
	// KindProtocolError indicates a message that does not conform to the
	// expected conversation (e.g. unknown type, auth after handshake)
	KindProtocolError
	// KindIncompatibleLink indicates a failed handshake compatibility check;
	// the error carries the specific close code to report
	KindIncompatibleLink
	// KindInvalidTransaction indicates a response for an unknown or
	// mismatched transaction id (tolerated: logged and dropped)
	KindInvalidTransaction
	// KindDuplicateTransaction indicates an attempt to register a
	// transaction id that is already active (programmer error)
	KindDuplicateTransaction
	// KindInvalidIdentifier indicates an unknown event or function name
	// passed to a local registration call (programmer error)
	KindInvalidIdentifier
	// KindInvalidOutgoingEvent indicates an emit of an event that is not
	// defined as outgoing (programmer error)
	KindInvalidOutgoingEvent
	// KindRemoteFunction indicates the remote peer answered a function call
	// with an error message; delivered to the awaiting future
	KindRemoteFunction
	// KindUnexpectedIO indicates an unexpected transport-level failure
	KindUnexpectedIO
)

// String returns the string representation of the error kind
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidConnection:
		return "invalid_connection"
	case KindMalformedMessage:
		return "malformed_message"
	case KindProtocolError:
		return "protocol_error"
	case KindIncompatibleLink:
		return "incompatible_link"
	case KindInvalidTransaction:
		return "invalid_transaction"
	case KindDuplicateTransaction:
		return "duplicate_transaction"
	case KindInvalidIdentifier:
		return "invalid_identifier"
	case KindInvalidOutgoingEvent:
		return "invalid_outgoing_event"
	case KindRemoteFunction:
		return "remote_function"
	case KindUnexpectedIO:
		return "unexpected_io"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Link state errors
	ErrConnectionClosed = errors.New("connection closed")
	ErrLinkClosed       = errors.New("link closed")
	ErrNotAuthenticated = errors.New("link not authenticated")
	ErrCatalogSealed    = errors.New("schema catalog is sealed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// LinkError is an error raised by the link state machine or its
// collaborators, tagged with the Kind the supervisor uses for close-code
// translation. CloseCode is only meaningful for KindIncompatibleLink, where
// the handshake check that failed determines the code on the wire.
type LinkError struct {
	Kind      Kind
	CloseCode uint16
	Message   string
	Err       error
}

// Error implements the error interface
func (le *LinkError) Error() string {
	if le.Err != nil && le.Message != "" {
		return fmt.Sprintf("%s: %v", le.Message, le.Err)
	}
	if le.Err != nil {
		return le.Err.Error()
	}
	return le.Message
}

// Unwrap returns the underlying error
func (le *LinkError) Unwrap() error {
	return le.Err
}

// NewKind creates a LinkError of the given kind with a formatted message
func NewKind(kind Kind, format string, args ...any) *LinkError {
	return &LinkError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// MalformedMessage creates a malformed-message error wrapping the decode
// failure that caused it
func MalformedMessage(err error, format string, args ...any) *LinkError {
	return &LinkError{
		Kind:    KindMalformedMessage,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Protocol creates a protocol error with a formatted message
func Protocol(format string, args ...any) *LinkError {
	return NewKind(KindProtocolError, format, args...)
}

// Incompatible creates an incompatible-link error carrying the close code of
// the handshake check that failed
func Incompatible(closeCode uint16, format string, args ...any) *LinkError {
	return &LinkError{
		Kind:      KindIncompatibleLink,
		CloseCode: closeCode,
		Message:   fmt.Sprintf(format, args...),
	}
}

// InvalidTransaction creates an invalid-transaction error for an unknown or
// kind-mismatched transaction id
func InvalidTransaction(format string, args ...any) *LinkError {
	return NewKind(KindInvalidTransaction, format, args...)
}

// DuplicateTransaction creates a duplicate-transaction error
func DuplicateTransaction(tid int64) *LinkError {
	return NewKind(KindDuplicateTransaction, "transaction with id=%d already exists", tid)
}

// InvalidIdentifier creates an invalid-identifier error for an unknown event
// or function name
func InvalidIdentifier(format string, args ...any) *LinkError {
	return NewKind(KindInvalidIdentifier, format, args...)
}

// InvalidOutgoingEvent creates the error raised when emitting an event that
// is not defined as outgoing
func InvalidOutgoingEvent(name string) *LinkError {
	return NewKind(KindInvalidOutgoingEvent,
		"event %q cannot be emitted because it is not defined as outgoing", name)
}

// RemoteFunction creates the error delivered to a pending call future when
// the remote peer responds with a function error. The info string carries
// the message text supplied by the remote handler.
func RemoteFunction(info string) *LinkError {
	return NewKind(KindRemoteFunction, "%s", info)
}

// RemoteInfo extracts the remote error info from an error chain. The second
// return is false if the chain contains no remote function error.
func RemoteInfo(err error) (string, bool) {
	var le *LinkError
	if errors.As(err, &le) && le.Kind == KindRemoteFunction {
		return le.Message, true
	}
	return "", false
}

// UnexpectedIO creates an unexpected transport-level error
func UnexpectedIO(err error) *LinkError {
	return &LinkError{
		Kind:    KindUnexpectedIO,
		Message: "unexpected i/o error",
		Err:     err,
	}
}

// KindOf returns the Kind carried by err, or KindNone for errors that did
// not originate from the link layer
func KindOf(err error) Kind {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindNone
}

// IsFatalKind reports whether an error kind closes the connection when it
// crosses the supervisor boundary. InvalidTransaction is tolerated as a
// stray message; the programmer-error kinds propagate to the caller instead
// of touching the connection.
func IsFatalKind(k Kind) bool {
	switch k {
	case KindMalformedMessage, KindProtocolError, KindIncompatibleLink,
		KindInvalidConnection, KindUnexpectedIO:
		return true
	default:
		return false
	}
}

// IsCallerKind reports whether an error kind is a programmer error that
// propagates to the calling code rather than the supervisor
func IsCallerKind(k Kind) bool {
	switch k {
	case KindDuplicateTransaction, KindInvalidIdentifier, KindInvalidOutgoingEvent:
		return true
	default:
		return false
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapInvalid wraps a configuration or validation failure with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return Wrap(fmt.Errorf("%w: %w", ErrInvalidConfig, err), component, method, action)
}

// Is reports whether any error in err's chain matches target. Re-exported
// so callers don't need to import both this package and the standard
// library errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text
func New(text string) error {
	return errors.New(text)
}
