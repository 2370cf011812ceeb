package perrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  &Error{Kind: KindInvalidRequest, Message: "test message", Cause: errors.New("underlying error")},
			want: "invalid_request: test message: underlying error",
		},
		{
			name: "error without cause",
			err:  &Error{Kind: KindInternal, Message: "test message"},
			want: "internal: test message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{Kind: KindInternal, Message: "m", Cause: cause}
	assert.Equal(t, cause, err.Unwrap())

	noCause := &Error{Kind: KindInternal, Message: "m"}
	assert.Nil(t, noCause.Unwrap())
}

func TestNewErrorConstructors(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		name        string
		constructor func(string, error) *Error
		wantKind    Kind
		checker     func(error) bool
	}{
		{"NewConfigError", NewConfigError, KindConfig, IsConfig},
		{"NewTransportConnectionFailedError", NewTransportConnectionFailedError, KindTransportConnectionFailed, IsTransportConnectionFailed},
		{"NewTransportSendFailedError", NewTransportSendFailedError, KindTransportSendFailed, IsTransportSendFailed},
		{"NewTransportReceiveFailedError", NewTransportReceiveFailedError, KindTransportReceiveFailed, IsTransportReceiveFailed},
		{"NewTransportInvalidFormatError", NewTransportInvalidFormatError, KindTransportInvalidFormat, IsTransportInvalidFormat},
		{"NewProtocolInvalidStateTransitionError", NewProtocolInvalidStateTransitionError, KindProtocolInvalidStateTransition, IsProtocolInvalidStateTransition},
		{"NewProtocolUnsupportedVersionError", NewProtocolUnsupportedVersionError, KindProtocolUnsupportedVersion, IsProtocolUnsupportedVersion},
		{"NewProtocolTranslationError", NewProtocolTranslationError, KindProtocolTranslation, IsProtocolTranslation},
		{"NewProtocolUnsupportedNotificationError", NewProtocolUnsupportedNotificationError, KindProtocolUnsupportedNotif, IsProtocolUnsupportedNotification},
		{"NewServerNotFoundError", NewServerNotFoundError, KindServerNotFound, IsServerNotFound},
		{"NewServerNotReadyError", NewServerNotReadyError, KindServerNotReady, IsServerNotReady},
		{"NewTimeoutError", NewTimeoutError, KindTimeout, IsTimeout},
		{"NewPoolExhaustedError", NewPoolExhaustedError, KindPoolExhausted, IsPoolExhausted},
		{"NewInvalidRequestError", NewInvalidRequestError, KindInvalidRequest, IsInvalidRequest},
		{"NewInternalError", NewInternalError, KindInternal, IsInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", cause)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, "test message", err.Message)
			assert.Equal(t, cause, err.Cause)
			assert.True(t, tt.checker(err))
			assert.False(t, tt.checker(errors.New("other")))
		})
	}
}

func TestIsChecker_NilError(t *testing.T) {
	assert.False(t, IsInternal(nil))
}

func TestKind_JSONRPCCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindServerNotFound, -32601},
		{KindInvalidRequest, -32602},
		{KindProtocolUnsupportedVersion, -32602},
		{KindInternal, -32603},
		{KindTimeout, -32603},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.JSONRPCCode())
	}
}
