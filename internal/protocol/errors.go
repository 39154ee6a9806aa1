package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming marks a stream whose envelope bytes cannot be trusted.
	ErrFraming = errors.New("protocol: framing error")
	// ErrMalformedMessage marks a complete frame whose payload could not be decoded.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrPayloadTooLarge is returned when a payload does not fit the 16-bit length prefix.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	ErrBadDelimiter = fmt.Errorf("%w: expected ':' after length", ErrFraming)
	ErrBadTrailer   = fmt.Errorf("%w: expected ',' after payload", ErrFraming)
	ErrUnknownTag   = fmt.Errorf("%w: unknown message tag", ErrMalformedMessage)
)

// EncodeError reports a message that could not be serialized.
type EncodeError struct {
	Message Message
	Err     error
}

func (e *EncodeError) Error() string {
	tag := "<nil>"
	if e.Message != nil {
		tag = e.Message.Tag()
	}
	return fmt.Sprintf("protocol: encoding %s: %v", tag, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
