package reliudp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newConnectedTestConn(t *testing.T, cfg *Config) (*Peer, *Connection) {
	t.Helper()
	p, err := NewPeer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	require.NoError(t, err)
	conn := newConnection(p, addr)
	conn.status = StatusConnected
	return p, conn
}

// Unreliable sends never retransmit, so their recycle reference is
// released as soon as the payload is actually handed to the assembler,
// not merely enqueued (spec.md §5's reference-counting rule).
func TestSendMessageReleasesUnreliableAfterSend(t *testing.T) {
	p, conn := newConnectedTestConn(t, DefaultConfig())

	released := false
	msg := NewOutgoingMessage([]byte("x"), Unreliable, 0)
	msg.onRelease = func(*OutgoingMessage) { released = true }

	result := p.SendMessage(msg, conn)
	require.Equal(t, SendResultQueued, result)
	require.False(t, released, "not released until actually handed to the assembler")

	conn.flushSendChannels(time.Now())
	require.True(t, released, "unreliable sends release once sent")
}

// Reliable sends stay retained (for retransmission) until their ack
// completes, at which point the window advances past the sequence and the
// message is released (spec.md §5).
func TestSendMessageReleasesReliableOnlyAfterAckCompletes(t *testing.T) {
	p, conn := newConnectedTestConn(t, DefaultConfig())

	released := false
	msg := NewOutgoingMessage([]byte("x"), ReliableOrdered, 0)
	msg.onRelease = func(*OutgoingMessage) { released = true }

	result := p.SendMessage(msg, conn)
	require.Equal(t, SendResultQueued, result)

	conn.flushSendChannels(time.Now())
	require.False(t, released, "reliable sends stay retained until the ack arrives")

	conn.enqueueIncomingAck(ApplicationType(ReliableOrdered, 0), 0)
	conn.drainAckQueues(time.Now())
	require.True(t, released, "ack-complete releases the reliable message")
}

// A message dropped before ever reaching a channel (oversize unreliable
// under DropAboveMTU) releases its recycle reference immediately.
func TestSendMessageReleasesOnDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnreliableSizeBehaviour = DropAboveMTU
	p, conn := newConnectedTestConn(t, cfg)

	released := false
	oversize := make([]byte, conn.currentMTU)
	msg := NewOutgoingMessage(oversize, Unreliable, 0)
	msg.onRelease = func(*OutgoingMessage) { released = true }

	result := p.SendMessage(msg, conn)
	require.Equal(t, SendResultDropped, result)
	require.True(t, released)
}

// A fragmented send bypasses buffer recycling entirely: the parent message
// releases immediately once it has been split (spec.md §5).
func TestSendMessageReleasesImmediatelyWhenFragmented(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaximumTransmissionUnit = 512
	p, conn := newConnectedTestConn(t, cfg)

	released := false
	oversize := make([]byte, 4000)
	msg := NewOutgoingMessage(oversize, ReliableOrdered, 0)
	msg.onRelease = func(*OutgoingMessage) { released = true }

	result := p.SendMessage(msg, conn)
	require.Equal(t, SendResultQueued, result)
	require.True(t, released, "fragmented parent messages release right after splitting")
}

// Peer.NewOutgoingMessage routes through the message pool, so once a sent
// message's recycle reference reaches zero its shell comes back for reuse
// (spec.md §5, §6's useMessageRecycling).
func TestPeerNewOutgoingMessageRoundTripsThroughPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseMessageRecycling = true
	p, conn := newConnectedTestConn(t, cfg)

	m1 := p.NewOutgoingMessage([]byte("a"), Unreliable, 0)
	require.Equal(t, SendResultQueued, p.SendMessage(m1, conn))
	conn.flushSendChannels(time.Now())

	m2 := p.NewOutgoingMessage([]byte("b"), Unreliable, 0)
	require.Same(t, m1, m2, "the pool recycles the shell once the first send released it")
}
