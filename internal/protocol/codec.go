package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// HeaderLen is the 2-byte length plus the ':' delimiter.
	HeaderLen = 3
	// TrailerLen is the single ',' after the payload.
	TrailerLen = 1
	// MaxPayload is the largest payload the length prefix can describe.
	MaxPayload = math.MaxUint16

	delimiter = ':'
	trailer   = ','
)

// envelope is the adjacently tagged payload layout.
type envelope struct {
	Type    string             `msgpack:"type"`
	Content msgpack.RawMessage `msgpack:"content,omitempty"`
}

// EncodeFrame wraps payload in the length-prefixed envelope.
//
// Postcondition: Returns HeaderLen+len(payload)+TrailerLen bytes, or
// ErrPayloadTooLarge.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, HeaderLen+len(payload)+TrailerLen)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(payload)))
	out[2] = delimiter
	copy(out[HeaderLen:], payload)
	out[len(out)-1] = trailer
	return out, nil
}

// DecodeFrame inspects the front of buf for one complete frame.
//
// It returns n == 0 with a nil error when more bytes are needed. On success n
// is the full frame length and payload aliases buf. Framing errors never
// report consumed bytes.
func DecodeFrame(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}
	if buf[2] != delimiter {
		return nil, 0, ErrBadDelimiter
	}
	size := int(binary.BigEndian.Uint16(buf[0:2]))
	total := HeaderLen + size + TrailerLen
	if len(buf) < total {
		return nil, 0, nil
	}
	if buf[total-1] != trailer {
		return nil, 0, ErrBadTrailer
	}
	return buf[HeaderLen : HeaderLen+size], total, nil
}

// Marshal serializes m into a msgpack payload.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("protocol: nil message")
	}
	tag := m.Tag()
	if _, ok := newMessage(tag); !ok {
		return nil, ErrUnknownTag
	}
	env := envelope{Type: tag}
	if !unit(tag) {
		content, err := msgpack.Marshal(m)
		if err != nil {
			return nil, err
		}
		env.Content = content
	}
	return msgpack.Marshal(&env)
}

// Unmarshal decodes a msgpack payload into its message variant.
//
// Postcondition: Any failure wraps ErrMalformedMessage.
func Unmarshal(payload []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	m, ok := newMessage(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, env.Type)
	}
	if unit(env.Type) {
		return deref(m), nil
	}
	if len(env.Content) == 0 {
		return nil, fmt.Errorf("%w: %s has no content", ErrMalformedMessage, env.Type)
	}
	if err := msgpack.Unmarshal(env.Content, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
	}
	return deref(m), nil
}

// Encode serializes m into one complete frame.
//
// Postcondition: Failures are returned as *EncodeError naming m.
func Encode(m Message) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, &EncodeError{Message: m, Err: err}
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return nil, &EncodeError{Message: m, Err: err}
	}
	return frame, nil
}

// WriteMessage encodes m and writes the frame with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder accumulates stream bytes and yields complete messages.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Feed appends bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next message from the buffer.
//
// ok reports whether a frame was consumed. (nil, false, nil) means more data
// is needed. A framing error consumes nothing; a malformed payload consumes
// its frame and returns an error wrapping ErrMalformedMessage with ok true.
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	payload, n, err := DecodeFrame(d.buf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	msg, err = Unmarshal(payload)
	d.buf = append(d.buf[:0], d.buf[n:]...)
	if err != nil {
		return nil, true, err
	}
	return msg, true, nil
}
