package protocol

import (
	"errors"
	"fmt"
)

// ErrIncompleteFrame means the buffer does not yet hold a whole frame. The
// caller keeps the bytes and retries once more data arrives.
var ErrIncompleteFrame = errors.New("incomplete frame")

// DecodeErrorKind is the structural reason a frame was rejected
type DecodeErrorKind string

const (
	VersionMismatch DecodeErrorKind = "version_mismatch"
	PayloadTooLarge DecodeErrorKind = "payload_too_large"
	UnknownType     DecodeErrorKind = "unknown_type"
	Malformed       DecodeErrorKind = "malformed"
)

// DecodeError is a frame-level failure. It never terminates a stream: the
// receive pipeline turns it into an Error message via AsMessage.
type DecodeError struct {
	Kind    DecodeErrorKind
	Type    MessageType
	Version uint8
	Msg     string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case VersionMismatch:
		return fmt.Sprintf("%s: got version %d, want %d", e.Kind, e.Version, Version)
	case UnknownType:
		return fmt.Sprintf("%s: %s", e.Kind, e.Type)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare DecodeError values by Kind
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// AsMessage converts the failure into an Error message for subscribers.
func (e *DecodeError) AsMessage() *Error {
	return &Error{
		Code:    ErrCodeInvalidMessage,
		Message: truncateUTF8(e.Error(), MaxErrorMessageLen),
	}
}

var (
	ErrVersionMismatch = &DecodeError{Kind: VersionMismatch}
	ErrPayloadTooLarge = &DecodeError{Kind: PayloadTooLarge}
	ErrUnknownType     = &DecodeError{Kind: UnknownType}
	ErrMalformed       = &DecodeError{Kind: Malformed}
)

// RecordParseError describes a single record dropped from a batch.
type RecordParseError struct {
	Record string
	Index  int
	Reason string
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("%s record %d: %s", e.Record, e.Index, e.Reason)
}

// ValidationError is returned by Encode when a request field is out of range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
