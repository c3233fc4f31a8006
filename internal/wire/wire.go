// Package wire implements the length-prefixed binary frame transport and
// the control-channel message vocabulary shared by the server and the
// tunnel client. Every frame is a 4-byte big-endian length followed by
// that many bytes of a CBOR-encoded envelope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the hard cap on a frame's payload length.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MiB

// Sentinel errors surfaced by Encode/Decode. Callers match against these
// with errors.Is.
var (
	// ErrInvalidLength is returned when a frame's declared length exceeds
	// MaxFrameSize.
	ErrInvalidLength = errors.New("wire: frame length exceeds maximum")
	// ErrConnectionClosed is returned when the underlying stream yields EOF
	// before a full frame (length prefix or payload) has been read.
	ErrConnectionClosed = errors.New("wire: connection closed mid-frame")
	// ErrUnknownKind is returned when a decoded envelope names a message
	// kind this package does not recognize.
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// Message is implemented by every control-channel message type. Kind
// identifies the envelope's payload type on the wire.
type Message interface {
	Kind() string
}

// envelope is the outer CBOR map every frame carries: a string discriminant
// plus the raw, still-encoded payload bytes for that message kind. Go has
// no native sum type, so tagged-union messages (e.g. InitTunnelResponse's
// Accepted/Rejected) are rendered as structs with mutually exclusive
// optional fields instead.
type envelope struct {
	Kind    string          `cbor:"kind"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Encode writes msg to w as one length-prefixed frame. It returns
// ErrInvalidLength without writing any byte if the encoded payload would
// exceed MaxFrameSize.
func Encode(w io.Writer, msg Message) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode payload: %w", err)
	}

	env := envelope{Kind: msg.Kind(), Payload: payload}
	buf, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(buf) > MaxFrameSize {
		return ErrInvalidLength
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed frame from r and unmarshals it into a
// concrete Message. It returns ErrInvalidLength if the declared length
// exceeds MaxFrameSize, and ErrConnectionClosed if r is exhausted before a
// complete frame arrives.
func Decode(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("wire: read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > MaxFrameSize {
		return nil, ErrInvalidLength
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	var env envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	return decodePayload(env)
}

func decodePayload(env envelope) (Message, error) {
	factory, ok := kindFactories[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	msg := factory()
	if err := cbor.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s payload: %w", env.Kind, err)
	}
	return msg, nil
}
