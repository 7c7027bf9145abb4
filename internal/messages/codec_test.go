package messages

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	frame, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, env.Kind, decoded.Kind)
	require.Equal(t, env.Properties(), decoded.Properties())
	require.Equal(t, env.Payload, decoded.Payload)

	// Decoding through the streaming reader must agree with Decode.
	streamed, err := ReadFrame(bytes.NewReader(frame), 0)
	require.NoError(t, err)
	require.Equal(t, decoded.Properties(), streamed.Properties())
	return decoded
}

func TestEnvelopeRoundTripEmpty(t *testing.T) {
	roundTrip(t, NewEnvelope(KindEchoRequest))
}

func TestEnvelopeRoundTripAllValueTypes(t *testing.T) {
	env := NewEnvelope(KindWorkflowExecuteRequest)
	env.SetRequestID(types.RequestID(7))
	env.SetStringProperty(PropName, "order-processing")
	env.SetBoolProperty(PropReplaying, true)
	env.SetInt64Property(PropContextID, -42)
	env.SetBytesProperty("Checksum", []byte{0x00, 0xFF, 0x10})
	require.NoError(t, env.SetJSONProperty("Options", map[string]int{"retries": 3}))
	env.Payload = []byte("serialized arguments")

	decoded := roundTrip(t, env)

	assert.Equal(t, types.RequestID(7), decoded.RequestID())
	name, ok := decoded.GetStringProperty(PropName)
	require.True(t, ok)
	assert.Equal(t, "order-processing", name)

	replaying, ok := decoded.GetBoolProperty(PropReplaying)
	require.True(t, ok)
	assert.True(t, replaying)

	assert.Equal(t, types.ContextID(-42), decoded.ContextID())

	sum, ok := decoded.GetBytesProperty("Checksum")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xFF, 0x10}, sum)

	var opts map[string]int
	found, err := decoded.GetJSONProperty("Options", &opts)
	require.True(t, found)
	require.NoError(t, err)
	assert.Equal(t, 3, opts["retries"])
}

func TestEnvelopeRoundTripManyProperties(t *testing.T) {
	env := NewEnvelope(KindActivityInvokeRequest)
	for i := int64(0); i < 64; i++ {
		env.SetInt64Property(string(rune('a'+i%26))+string(rune('A'+i/26)), i)
	}
	roundTrip(t, env)
}

func TestEnvelopeSetPropertyReplacesInPlace(t *testing.T) {
	env := NewEnvelope(KindEchoRequest)
	env.SetStringProperty("msg", "first")
	env.SetStringProperty("other", "x")
	env.SetStringProperty("msg", "second")

	require.Len(t, env.Properties(), 2)
	assert.Equal(t, "msg", env.Properties()[0].Key, "replacement keeps insertion order")
	msg, _ := env.GetStringProperty("msg")
	assert.Equal(t, "second", msg)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	env := NewEnvelope(KindEchoRequest)
	frame, err := env.Encode()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(frame[4:8], 0xDEADBEEF)

	_, err = Decode(frame)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	env := NewEnvelope(KindEchoRequest)
	frame, err := env.Encode()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(frame[8:12], 9999)

	_, err = Decode(frame)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "unknown message kind")
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	env := NewEnvelope(KindEchoRequest)
	env.SetStringProperty("msg", "hi")
	frame, err := env.Encode()
	require.NoError(t, err)

	// Chop the tail but keep the declared length intact.
	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-3]), 0)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "truncated")
}

func TestReadFrameRejectsUndersizedLength(t *testing.T) {
	// magic + kind + propCount + payloadLen is 16 bytes; anything shorter
	// cannot be a frame and is rejected off the prefix alone.
	for _, length := range []uint32{0, 11, 12, 15} {
		var frame bytes.Buffer
		require.NoError(t, binary.Write(&frame, binary.LittleEndian, length))
		frame.Write(make([]byte, length))

		_, err := ReadFrame(bytes.NewReader(frame.Bytes()), 0)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr, "length %d", length)
		assert.Contains(t, perr.Reason, "below minimum")
	}
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	// Hand-build a frame with the same key twice; the encoder cannot
	// produce one.
	var body bytes.Buffer
	write := func(v interface{}) {
		require.NoError(t, binary.Write(&body, binary.LittleEndian, v))
	}
	write(FrameMagic)
	write(uint32(KindEchoRequest))
	write(uint32(2))
	for i := 0; i < 2; i++ {
		write(uint16(3))
		body.WriteString("msg")
		body.WriteByte(byte(ValueString))
		write(uint32(2))
		body.WriteString("hi")
	}
	write(uint32(0)) // payload length

	frame := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(frame[:4], uint32(body.Len()))
	copy(frame[4:], body.Bytes())

	_, err := Decode(frame)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "duplicate property key")
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 1<<30)

	_, err := ReadFrame(bytes.NewReader(prefix[:]), 1024)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "exceeds maximum")
}

func TestNewReplyPairsKindAndRequestID(t *testing.T) {
	req := NewEnvelope(KindWorkflowExecuteRequest)
	req.SetRequestID(types.RequestID(99))

	reply := NewReply(req)
	assert.Equal(t, KindWorkflowExecuteReply, reply.Kind)
	assert.Equal(t, types.RequestID(99), reply.RequestID())
}

func TestRemoteErrorProperties(t *testing.T) {
	reply := NewEnvelope(KindActivityExecuteReply)
	assert.Nil(t, reply.RemoteError())

	reply.SetError(&RemoteError{Type: "ApplicationError", Message: "boom", Details: "stack"})
	remote := reply.RemoteError()
	require.NotNil(t, remote)
	assert.Equal(t, "ApplicationError", remote.Type)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "stack", remote.Details)
}
