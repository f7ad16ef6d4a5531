package reliudp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLoopbackPeer(t *testing.T, appID string) *Peer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AppIdentifier = appID
	cfg.Port = 0
	cfg.ResendHandshakeInterval = 20 * time.Millisecond
	cfg.MaximumHandshakeAttempts = 10
	p, err := NewPeer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func driveUntil(t *testing.T, peers []*Peer, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range peers {
			p.tick()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// Scenario S5: two peers on loopback complete the handshake and exchange a
// ReliableOrdered message. The handshake part checks only that both sides
// reach Connected; the number of datagrams it takes is not counted here.
func TestScenarioS5LoopbackHandshakeAndMessageExchange(t *testing.T) {
	server := newLoopbackPeer(t, "game")
	client := newLoopbackPeer(t, "game")

	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)
	conn, err := client.Connect("127.0.0.1", serverAddr.Port, nil)
	require.NoError(t, err)

	driveUntil(t, []*Peer{client, server}, func() bool {
		return conn.Status() == StatusConnected
	}, 2*time.Second)

	var serverConn *Connection
	driveUntil(t, []*Peer{client, server}, func() bool {
		server.connMu.RLock()
		defer server.connMu.RUnlock()
		for _, c := range server.connections {
			if c.Status() == StatusConnected {
				serverConn = c
				return true
			}
		}
		return false
	}, 2*time.Second)
	require.NotNil(t, serverConn)

	msg := NewOutgoingMessage([]byte("hello"), ReliableOrdered, 0)
	result := client.SendMessage(msg, conn)
	require.Equal(t, SendResultQueued, result)

	// Collect every inbound message in arrival order (not just ClassData)
	// so the StatusChanged(Connected)-before-Data ordering S5 documents can
	// actually be asserted, instead of draining and discarding it.
	var seen []*IncomingMessage
	var gotData bool
	driveUntil(t, []*Peer{client, server}, func() bool {
		for {
			m, ok := server.TakeInbound(0)
			if !ok {
				break
			}
			seen = append(seen, m)
			if m.Class == ClassData {
				gotData = true
			}
		}
		return gotData
	}, 2*time.Second)

	statusIdx, dataIdx := -1, -1
	for i, m := range seen {
		if m.Class == ClassStatusChanged && m.Status == StatusConnected && statusIdx == -1 {
			statusIdx = i
		}
		if m.Class == ClassData && dataIdx == -1 {
			dataIdx = i
		}
	}
	require.NotEqual(t, -1, statusIdx, "expected a StatusChanged(Connected) message")
	require.NotEqual(t, -1, dataIdx, "expected a Data message")
	require.Less(t, statusIdx, dataIdx, "StatusChanged(Connected) must precede the Data message per S5")
	require.Equal(t, "hello", string(seen[dataIdx].Data))
}

// Property 12 (resend path): if the connecting side's Connect is not
// answered for several handshake intervals, it keeps resending until the
// remote side starts ticking, then still reaches Connected well within
// maximumHandshakeAttempts.
func TestHandshakeConvergesAfterDelayedResponder(t *testing.T) {
	server := newLoopbackPeer(t, "game")
	client := newLoopbackPeer(t, "game")

	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)
	conn, err := client.Connect("127.0.0.1", serverAddr.Port, nil)
	require.NoError(t, err)

	// Let the client resend its Connect a few times before the server
	// starts processing anything.
	for i := 0; i < 3; i++ {
		client.tick()
		time.Sleep(25 * time.Millisecond)
	}
	require.Equal(t, StatusInitiatedConnect, conn.Status())

	driveUntil(t, []*Peer{client, server}, func() bool {
		return conn.Status() == StatusConnected
	}, 2*time.Second)
}
