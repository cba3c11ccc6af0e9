package icebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCodec(t *testing.T) {
	msg := &Message{
		Type:        MessageMethodCall,
		Flags:       FlagAutoStart,
		Sender:      ":1.3",
		Destination: "com.example.A",
		SessionID:   99,
		Interface:   "com.example.Iface",
		Member:      "Frob",
		Path:        "/com/example",
		CallSerial:  42,
		Body:        []byte("payload"),
	}

	var decoded Message
	require.NoError(t, decoded.Unmarshal(msg.Marshal()))
	assert.Equal(t, *msg, decoded)
}

func TestMessageCodecTruncated(t *testing.T) {
	msg := NewSignal(":1.1", "i", "m", "/", 1)
	raw := msg.Marshal()

	for _, cut := range []int{0, 3, messageHeaderLen - 1, len(raw) - 1} {
		var decoded Message
		assert.ErrorIs(t, decoded.Unmarshal(raw[:cut]), ErrMalformedMessage, "cut=%d", cut)
	}
}

func TestMessageReplyExpected(t *testing.T) {
	call := NewMethodCall(":1.1", ":1.2", "i", "m", "/", 7)
	assert.True(t, call.ReplyExpected())

	call.Flags |= FlagNoReplyExpected
	assert.False(t, call.ReplyExpected())

	signal := NewSignal(":1.1", "i", "m", "/", 8)
	assert.False(t, signal.ReplyExpected())
}

func TestNewErrorReply(t *testing.T) {
	call := NewMethodCall(":1.1", "com.example.A", "i", "m", "/", 7)
	reply := NewErrorReply(call, "org.freedesktop.DBus.Error.ServiceUnknown", "Unknown bus name: com.example.A")

	assert.Equal(t, MessageError, reply.Type)
	assert.Equal(t, ":1.1", reply.Destination)
	assert.Equal(t, uint32(7), reply.ReplySerial)
	assert.Equal(t, "org.freedesktop.DBus.Error.ServiceUnknown", reply.ErrorName)
}

func TestMessageGlobalBroadcast(t *testing.T) {
	msg := NewSignal(":1.1", "i", "m", "/", 1)
	assert.False(t, msg.IsGlobalBroadcast())

	msg.Flags |= FlagGlobalBroadcast
	assert.True(t, msg.IsGlobalBroadcast())

	msg.Destination = ":1.2"
	assert.False(t, msg.IsGlobalBroadcast(), "unicast is never a global broadcast")
}
