package reliudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/seq"
)

func TestBaseHeaderRoundTrip(t *testing.T) {
	msg := NewOutgoingMessage([]byte("hello"), ReliableOrdered, 3)
	buf := bitbuf.New(32)
	msgType := ApplicationType(ReliableOrdered, 3)
	msg.encode(buf, 42, msgType)

	readBuf := bitbuf.FromBytes(buf.Data(), buf.BitPosition())
	d, err := decodeMessage(readBuf)
	require.NoError(t, err)
	require.Equal(t, msgType, d.msgType)
	require.False(t, d.hasFragment)
	require.Equal(t, seq.Number(42), d.seqNr)
	require.Equal(t, []byte("hello"), d.payload)

	method, ch := d.msgType.methodAndChannel()
	require.Equal(t, ReliableOrdered, method)
	require.Equal(t, uint8(3), ch)
}

func TestAcknowledgeRoundTrip(t *testing.T) {
	entries := []ackEntry{
		{msgType: ApplicationType(ReliableOrdered, 0), seqNr: 5},
		{msgType: ApplicationType(ReliableUnordered, 1), seqNr: 1000},
	}
	payload := encodeAcknowledge(entries)
	decoded, err := decodeAcknowledge(payload, len(entries)*24)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestHandshakeHelloRoundTrip(t *testing.T) {
	h := handshakeHello{
		AppID:      "my-app",
		UniqueID:   -9001,
		RemoteTime: 2500 * time.Millisecond,
		Hail:       []byte{1, 2, 3, 4},
	}
	payload := encodeHandshakeHello(h)
	got, err := decodeHandshakeHello(payload, len(payload)*8)
	require.NoError(t, err)
	require.Equal(t, h.AppID, got.AppID)
	require.Equal(t, h.UniqueID, got.UniqueID)
	require.Equal(t, h.Hail, got.Hail)
	require.InDelta(t, h.RemoteTime.Seconds(), got.RemoteTime.Seconds(), 0.001)
}

func TestHandshakeHelloEmptyHail(t *testing.T) {
	h := handshakeHello{AppID: "a", UniqueID: 1, RemoteTime: time.Second}
	payload := encodeHandshakeHello(h)
	got, err := decodeHandshakeHello(payload, len(payload)*8)
	require.NoError(t, err)
	require.Empty(t, got.Hail)
}

func TestPingPongRoundTrip(t *testing.T) {
	pingPayload := encodePing(7)
	nr, err := decodePing(pingPayload, len(pingPayload)*8)
	require.NoError(t, err)
	require.Equal(t, uint8(7), nr)

	pongPayload := encodePong(7, 1234*time.Millisecond)
	gotNr, gotTime, err := decodePong(pongPayload, len(pongPayload)*8)
	require.NoError(t, err)
	require.Equal(t, uint8(7), gotNr)
	require.InDelta(t, 1.234, gotTime.Seconds(), 0.001)
}

func TestMTUProbeSuccessRoundTrip(t *testing.T) {
	payload := encodeMTUProbeSuccess(1372)
	size, err := decodeMTUProbeSuccess(payload, len(payload)*8)
	require.NoError(t, err)
	require.Equal(t, 1372, size)
}

func TestDisconnectRoundTrip(t *testing.T) {
	payload := encodeDisconnect("timed out")
	reason, err := decodeDisconnect(payload, len(payload)*8)
	require.NoError(t, err)
	require.Equal(t, "timed out", reason)
}

func TestDecodeMalformedDatagramTooShort(t *testing.T) {
	buf := bitbuf.FromBytes([]byte{1, 2}, 16)
	_, err := decodeMessage(buf)
	require.Error(t, err)
}

func TestDecodeMalformedBitLengthExceedsBuffer(t *testing.T) {
	buf := bitbuf.New(8)
	buf.WriteUint8(uint8(TypeAcknowledge))
	buf.WriteBool(false)
	buf.WriteBits(0, 15)
	buf.WriteUint16(9999) // claims far more payload than present
	_, err := decodeMessage(bitbuf.FromBytes(buf.Data(), buf.BitPosition()))
	require.Error(t, err)
}
