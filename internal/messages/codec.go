package messages

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FrameMagic is the magic/version tag written after the length prefix of
// every frame. Bump the low byte when the wire layout changes.
const FrameMagic uint32 = 0x504C5801 // "PLX" + version 1

// DefaultMaxFrameSize bounds the declared length of an incoming frame.
// Anything larger is a protocol error, not an allocation.
const DefaultMaxFrameSize = 16 << 20

// Frame layout, all little-endian:
//
//	[u32 length][u32 magic][u32 kind][u32 propCount]
//	  props: [u16 keyLen][key utf8][u8 valueType][u32 valueLen][value]
//	[u32 payloadLen][payload]
//
// length counts every byte after the length prefix itself.

// Encode serializes the envelope into a complete frame, length prefix
// included.
func (e *Envelope) Encode() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, &ProtocolError{Op: "encode", Reason: fmt.Sprintf("invalid message kind %d", uint32(e.Kind))}
	}

	body := 4 + 4 + 4 // magic + kind + propCount
	for _, p := range e.props {
		if len(p.Key) > math.MaxUint16 {
			return nil, &ProtocolError{Op: "encode", Reason: fmt.Sprintf("property key %q exceeds %d bytes", p.Key[:32], math.MaxUint16)}
		}
		body += 2 + len(p.Key) + 1 + 4 + len(p.Value)
	}
	body += 4 + len(e.Payload)

	buf := make([]byte, 4+body)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(body))
	binary.LittleEndian.PutUint32(buf[4:8], FrameMagic)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Kind))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(e.props)))

	off := 16
	for _, p := range e.props {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(p.Key)))
		off += 2
		off += copy(buf[off:], p.Key)
		buf[off] = byte(p.Type)
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Value)))
		off += 4
		off += copy(buf[off:], p.Value)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.Payload)

	return buf, nil
}

// ReadFrame reads exactly one frame from r. The length prefix is read
// first so the frame can be buffered whole regardless of how the transport
// chunks it. maxSize <= 0 falls back to DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	// magic + kind + propCount + payloadLen is the smallest valid body.
	if length < 16 {
		return nil, &ProtocolError{Op: "read", Reason: fmt.Sprintf("declared frame length %d below minimum 16", length)}
	}
	if int(length) > maxSize {
		return nil, &ProtocolError{Op: "read", Reason: fmt.Sprintf("declared frame length %d exceeds maximum %d", length, maxSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Op: "read", Reason: "truncated frame"}
		}
		return nil, err
	}
	return decodeBody(body)
}

// Decode parses a complete frame, length prefix included.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) < 4 {
		return nil, &ProtocolError{Op: "decode", Reason: "frame shorter than length prefix"}
	}
	length := binary.LittleEndian.Uint32(frame[:4])
	if int(length) != len(frame)-4 {
		return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("declared length %d does not match frame body %d", length, len(frame)-4)}
	}
	return decodeBody(frame[4:])
}

func decodeBody(body []byte) (*Envelope, error) {
	r := &frameReader{buf: body}

	magic, err := r.uint32("magic")
	if err != nil {
		return nil, err
	}
	if magic != FrameMagic {
		return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("bad magic 0x%08X", magic)}
	}

	rawKind, err := r.uint32("message kind")
	if err != nil {
		return nil, err
	}
	kind := Kind(rawKind)
	if !kind.Valid() {
		return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("unknown message kind %d", rawKind)}
	}

	propCount, err := r.uint32("property count")
	if err != nil {
		return nil, err
	}

	env := NewEnvelope(kind)
	for i := uint32(0); i < propCount; i++ {
		keyLen, err := r.uint16("property key length")
		if err != nil {
			return nil, err
		}
		key, err := r.bytes(int(keyLen), "property key")
		if err != nil {
			return nil, err
		}
		valueType, err := r.byte("property value type")
		if err != nil {
			return nil, err
		}
		valueLen, err := r.uint32("property value length")
		if err != nil {
			return nil, err
		}
		value, err := r.bytes(int(valueLen), "property value")
		if err != nil {
			return nil, err
		}
		prop := Property{
			Key:   string(key),
			Type:  ValueType(valueType),
			Value: append([]byte(nil), value...),
		}
		if prop.Type < ValueString || prop.Type > ValueJSON {
			return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("unknown property value type %d for key %q", valueType, prop.Key)}
		}
		if err := env.addDecodedProperty(prop); err != nil {
			return nil, err
		}
	}

	payloadLen, err := r.uint32("payload length")
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes(int(payloadLen), "payload")
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		env.Payload = append([]byte(nil), payload...)
	}
	if r.remaining() != 0 {
		return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("%d trailing bytes after payload", r.remaining())}
	}
	return env, nil
}

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *frameReader) bytes(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, &ProtocolError{Op: "decode", Reason: "truncated frame reading " + what}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *frameReader) byte(what string) (byte, error) {
	b, err := r.bytes(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *frameReader) uint16(what string) (uint16, error) {
	b, err := r.bytes(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *frameReader) uint32(what string) (uint32, error) {
	b, err := r.bytes(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
