package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/types/message"
)

func TestHandler_ResumeOutboundQoS1KeepsPacketIDAndSetsDUP(t *testing.T) {
	h := NewHandler(nil)
	defer h.Close()

	var got *message.Message
	h.SetPublishCallback(func(msg *message.Message) error {
		got = msg
		return nil
	})

	err := h.ResumeOutbound(42, byte(encoding.QoS1), "a/b", []byte("payload"), false, nil)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, uint16(42), got.PacketID)
	assert.True(t, got.DUP)
	assert.Equal(t, encoding.QoS1, got.QoS)
	assert.Equal(t, 1, h.GetInflightCount())
	assert.Equal(t, 1, h.GetPendingQoS1Count())
}

func TestHandler_ResumeOutboundQoS2(t *testing.T) {
	h := NewHandler(nil)
	defer h.Close()

	err := h.ResumeOutbound(7, byte(encoding.QoS2), "a/b", []byte("payload"), true, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.GetPendingQoS2Count())
}

func TestHandler_ResumeOutboundReservesPacketIDFromReallocation(t *testing.T) {
	h := NewHandler(nil)
	defer h.Close()

	require.NoError(t, h.ResumeOutbound(1, byte(encoding.QoS1), "a/b", []byte("x"), false, nil))

	packetID, err := h.PublishQoS1("c/d", []byte("y"), false, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(1), packetID, "a freshly allocated packet ID must not collide with a resumed one")
}

func TestHandler_ResumeOutboundOnClosedHandlerErrors(t *testing.T) {
	h := NewHandler(nil)
	require.NoError(t, h.Close())

	err := h.ResumeOutbound(1, byte(encoding.QoS1), "a/b", []byte("x"), false, nil)
	assert.ErrorIs(t, err, ErrHandlerClosed)
}

func TestHandler_ResumePubrelResendsPubrelWithOriginalPacketID(t *testing.T) {
	h := NewHandler(nil)
	defer h.Close()

	var resent uint16
	h.SetPubrelCallback(func(packetID uint16) error {
		resent = packetID
		return nil
	})

	require.NoError(t, h.ResumePubrel(9))
	assert.Equal(t, uint16(9), resent)
	assert.Equal(t, 1, h.GetInflightCount())

	// A PUBCOMP for that packet ID must still be accepted, proving
	// ResumePubrel put the handler back into the awaiting-PUBCOMP state.
	require.NoError(t, h.HandlePubcomp(9))
	assert.Equal(t, 0, h.GetInflightCount())
}

func TestHandler_ResumePubrelReservesPacketIDFromReallocation(t *testing.T) {
	h := NewHandler(nil)
	defer h.Close()

	h.SetPubrelCallback(func(packetID uint16) error { return nil })
	require.NoError(t, h.ResumePubrel(1))

	packetID, err := h.PublishQoS1("c/d", []byte("y"), false, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(1), packetID, "a freshly allocated packet ID must not collide with a resumed PUBREL")
}

func TestHandler_ResumePubrelOnClosedHandlerErrors(t *testing.T) {
	h := NewHandler(nil)
	require.NoError(t, h.Close())

	err := h.ResumePubrel(9)
	assert.ErrorIs(t, err, ErrHandlerClosed)
}
