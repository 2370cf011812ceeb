// Package perrors defines the proxy's typed error taxonomy.
//
// Every error the core raises carries a Kind drawn from the fixed set below
// so callers can branch on failure category without string matching.
package perrors

import "fmt"

// Kind identifies one row of the error taxonomy.
type Kind string

const (
	KindConfig                         Kind = "config"
	KindTransportConnectionFailed      Kind = "transport_connection_failed"
	KindTransportSendFailed            Kind = "transport_send_failed"
	KindTransportReceiveFailed         Kind = "transport_receive_failed"
	KindTransportInvalidFormat         Kind = "transport_invalid_format"
	KindProtocolInvalidStateTransition Kind = "protocol_invalid_state_transition"
	KindProtocolUnsupportedVersion     Kind = "protocol_unsupported_version"
	KindProtocolTranslation            Kind = "protocol_translation"
	KindProtocolUnsupportedNotif       Kind = "protocol_unsupported_notification"
	KindServerNotFound                 Kind = "server_not_found"
	KindServerNotReady                 Kind = "server_not_ready"
	KindTimeout                        Kind = "timeout"
	KindPoolExhausted                  Kind = "pool_exhausted"
	KindInvalidRequest                 Kind = "invalid_request"
	KindInternal                       Kind = "internal"
)

// Error is the proxy's typed error, analogous to a tagged-union in the
// source language: Kind selects the variant, Message is human-readable
// context, Cause is the wrapped underlying error (may be nil).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func isKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if pe, ok := err.(*Error); ok {
		e = pe
	} else {
		return false
	}
	return e.Kind == kind
}

// NewConfigError reports a configuration validation failure (fatal, exit 2).
func NewConfigError(message string, cause error) *Error {
	return NewError(KindConfig, message, cause)
}

// IsConfig reports whether err is a KindConfig error.
func IsConfig(err error) bool { return isKind(err, KindConfig) }

// NewTransportConnectionFailedError reports C1 spawn/connect failure.
func NewTransportConnectionFailedError(message string, cause error) *Error {
	return NewError(KindTransportConnectionFailed, message, cause)
}

// IsTransportConnectionFailed reports whether err is that kind.
func IsTransportConnectionFailed(err error) bool {
	return isKind(err, KindTransportConnectionFailed)
}

// NewTransportSendFailedError reports a C1 write failure.
func NewTransportSendFailedError(message string, cause error) *Error {
	return NewError(KindTransportSendFailed, message, cause)
}

// IsTransportSendFailed reports whether err is that kind.
func IsTransportSendFailed(err error) bool { return isKind(err, KindTransportSendFailed) }

// NewTransportReceiveFailedError reports a C1 read failure.
func NewTransportReceiveFailedError(message string, cause error) *Error {
	return NewError(KindTransportReceiveFailed, message, cause)
}

// IsTransportReceiveFailed reports whether err is that kind.
func IsTransportReceiveFailed(err error) bool { return isKind(err, KindTransportReceiveFailed) }

// NewTransportInvalidFormatError reports an oversized or malformed frame.
func NewTransportInvalidFormatError(message string, cause error) *Error {
	return NewError(KindTransportInvalidFormat, message, cause)
}

// IsTransportInvalidFormat reports whether err is that kind.
func IsTransportInvalidFormat(err error) bool { return isKind(err, KindTransportInvalidFormat) }

// NewProtocolInvalidStateTransitionError reports an illegal state edge.
func NewProtocolInvalidStateTransitionError(message string, cause error) *Error {
	return NewError(KindProtocolInvalidStateTransition, message, cause)
}

// IsProtocolInvalidStateTransition reports whether err is that kind.
func IsProtocolInvalidStateTransition(err error) bool {
	return isKind(err, KindProtocolInvalidStateTransition)
}

// NewProtocolUnsupportedVersionError reports an unrecognised protocolVersion string.
func NewProtocolUnsupportedVersionError(message string, cause error) *Error {
	return NewError(KindProtocolUnsupportedVersion, message, cause)
}

// IsProtocolUnsupportedVersion reports whether err is that kind.
func IsProtocolUnsupportedVersion(err error) bool {
	return isKind(err, KindProtocolUnsupportedVersion)
}

// NewProtocolTranslationError reports an adapter rewrite failure.
func NewProtocolTranslationError(message string, cause error) *Error {
	return NewError(KindProtocolTranslation, message, cause)
}

// IsProtocolTranslation reports whether err is that kind.
func IsProtocolTranslation(err error) bool { return isKind(err, KindProtocolTranslation) }

// NewProtocolUnsupportedNotificationError signals an adapter-dropped notification.
func NewProtocolUnsupportedNotificationError(message string, cause error) *Error {
	return NewError(KindProtocolUnsupportedNotif, message, cause)
}

// IsProtocolUnsupportedNotification reports whether err is that kind.
func IsProtocolUnsupportedNotification(err error) bool {
	return isKind(err, KindProtocolUnsupportedNotif)
}

// NewServerNotFoundError reports an unknown backend name.
func NewServerNotFoundError(message string, cause error) *Error {
	return NewError(KindServerNotFound, message, cause)
}

// IsServerNotFound reports whether err is that kind.
func IsServerNotFound(err error) bool { return isKind(err, KindServerNotFound) }

// NewServerNotReadyError reports a backend that cannot yet accept the method.
func NewServerNotReadyError(message string, cause error) *Error {
	return NewError(KindServerNotReady, message, cause)
}

// IsServerNotReady reports whether err is that kind.
func IsServerNotReady(err error) bool { return isKind(err, KindServerNotReady) }

// NewTimeoutError reports any bounded wait expiring.
func NewTimeoutError(message string, cause error) *Error {
	return NewError(KindTimeout, message, cause)
}

// IsTimeout reports whether err is that kind.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// NewPoolExhaustedError reports the plugin global semaphore being full.
func NewPoolExhaustedError(message string, cause error) *Error {
	return NewError(KindPoolExhausted, message, cause)
}

// IsPoolExhausted reports whether err is that kind.
func IsPoolExhausted(err error) bool { return isKind(err, KindPoolExhausted) }

// NewInvalidRequestError reports a malformed client JSON-RPC request.
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(KindInvalidRequest, message, cause)
}

// IsInvalidRequest reports whether err is that kind.
func IsInvalidRequest(err error) bool { return isKind(err, KindInvalidRequest) }

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message string, cause error) *Error {
	return NewError(KindInternal, message, cause)
}

// IsInternal reports whether err is that kind.
func IsInternal(err error) bool { return isKind(err, KindInternal) }

// JSONRPCCode maps a Kind to the JSON-RPC 2.0 error code the client sees,
// per the propagation policy.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindServerNotFound:
		return -32601
	case KindInvalidRequest, KindProtocolUnsupportedVersion:
		return -32602
	default:
		return -32603
	}
}

// HTTPStatus maps a Kind to the HTTP status code the thin transport-level
// /mcp endpoint reports, mirroring the JSON-RPC code's severity for the
// benefit of plain HTTP clients and load balancers probing the proxy.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindServerNotFound:
		return 404
	case KindInvalidRequest, KindProtocolUnsupportedVersion, KindConfig:
		return 400
	case KindServerNotReady, KindPoolExhausted:
		return 503
	case KindTimeout:
		return 504
	default:
		return 500
	}
}

// Code extracts the HTTP status code for err, defaulting to 500 for any
// error that is not a *Error.
func Code(err error) int {
	if err == nil {
		return 200
	}
	if pe, ok := err.(*Error); ok {
		return pe.Kind.HTTPStatus()
	}
	return 500
}
