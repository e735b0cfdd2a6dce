package messaging

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	KindConnection   Kind = "connection"
	KindProtocol     Kind = "protocol"
	KindRateLimit    Kind = "rate_limit"
	KindSubscription Kind = "subscription"
	KindStaleState   Kind = "stale_state"
)

// Error codes carried in error envelopes.
const (
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnknownClient        = "UNKNOWN_CLIENT"
	CodeInvalidTopic         = "INVALID_TOPIC"
	CodeEngineNotReady       = "ENGINE_NOT_READY"
	CodeExchangeNotConnected = "EXCHANGE_NOT_CONNECTED"
	CodeSubscribeRejected    = "SUBSCRIBE_REJECTED"
	CodeStaleState           = "STALE_STATE"
)

// Error is the structured error shared by server and client.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind and, when set on target, by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks on kind only.
var (
	ErrConnection   = &Error{Kind: KindConnection}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrRateLimit    = &Error{Kind: KindRateLimit}
	ErrSubscription = &Error{Kind: KindSubscription}
	ErrStaleState   = &Error{Kind: KindStaleState}
)

func NewConnectionError(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Code: "CONNECTION_ERROR", Message: message, Cause: cause}
}

func NewProtocolError(code, message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message, Cause: cause}
}

func NewRateLimitError(message string) *Error {
	return &Error{Kind: KindRateLimit, Code: CodeRateLimited, Message: message}
}

func NewSubscriptionError(code, message string, cause error) *Error {
	return &Error{Kind: KindSubscription, Code: code, Message: message, Cause: cause}
}

func NewStaleStateError(message string) *Error {
	return &Error{Kind: KindStaleState, Code: CodeStaleState, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
