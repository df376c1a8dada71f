package transport

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a transport operation failed. Every ErrorCode is
// itself an error so callers can match with errors.Is.
type ErrorCode int

const (
	CodeNotStarted ErrorCode = iota + 1
	CodeAlreadyStarted
	CodeUnknownPeer
	CodeNotConnected
	CodeSendRejectedByEngine
	CodeInvalidConfig
	CodeEngineFailure
)

var (
	ErrNotStarted           error = CodeNotStarted
	ErrAlreadyStarted       error = CodeAlreadyStarted
	ErrUnknownPeer          error = CodeUnknownPeer
	ErrNotConnected         error = CodeNotConnected
	ErrSendRejectedByEngine error = CodeSendRejectedByEngine
	ErrInvalidConfig        error = CodeInvalidConfig
	ErrEngineFailure        error = CodeEngineFailure

	// ErrRegistryOccupied guards the client registry against a second live peer.
	ErrRegistryOccupied = errors.New("registry: client role already holds a live peer")
)

func (c ErrorCode) Error() string {
	switch c {
	case CodeNotStarted:
		return "endpoint not started"
	case CodeAlreadyStarted:
		return "endpoint already started"
	case CodeUnknownPeer:
		return "unknown peer"
	case CodeNotConnected:
		return "peer not connected"
	case CodeSendRejectedByEngine:
		return "send rejected by engine"
	case CodeInvalidConfig:
		return "invalid configuration"
	case CodeEngineFailure:
		return "engine failure"
	default:
		return fmt.Sprintf("unknown transport error: %d", int(c))
	}
}

// Error carries the failing operation and, where one applies, the peer.
type Error struct {
	Code         ErrorCode
	Op           string
	ConnectionID ConnectionID
	HasPeer      bool
	underlying   error
}

func newError(op string, code ErrorCode, underlying error) *Error {
	return &Error{Code: code, Op: op, underlying: underlying}
}

func newPeerError(op string, code ErrorCode, id ConnectionID, underlying error) *Error {
	return &Error{Code: code, Op: op, ConnectionID: id, HasPeer: true, underlying: underlying}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Code.Error()
	if e.HasPeer {
		msg = fmt.Sprintf("%s (peer %d)", msg, e.ConnectionID)
	}
	if e.underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

// Unwrap exposes both the code and the engine error, so errors.Is works for
// ErrUnknownPeer as well as for engine sentinels such as engine.ErrQueueFull.
func (e *Error) Unwrap() []error {
	if e.underlying == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.underlying}
}

// CodeOf returns the ErrorCode carried by err, or 0 if there is none.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return 0
}
