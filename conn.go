package reliudp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliudp/reliudp/internal/channel"
	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/reliudp/reliudp/internal/seq"
)

// ConnectionStatus is one state of the handshake/lifecycle machine
// (spec.md §4.7).
type ConnectionStatus uint8

const (
	StatusNone ConnectionStatus = iota
	StatusInitiatedConnect
	StatusReceivedInitiation
	StatusRespondedAwaitingApproval
	StatusRespondedConnect
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusInitiatedConnect:
		return "InitiatedConnect"
	case StatusReceivedInitiation:
		return "ReceivedInitiation"
	case StatusRespondedAwaitingApproval:
		return "RespondedAwaitingApproval"
	case StatusRespondedConnect:
		return "RespondedConnect"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// reliableWindow and unreliableWindow are the fixed per-channel window
// sizes spec.md §6 mandates.
const (
	reliableWindow   = 64
	unreliableWindow = 64
)

// channelKey addresses one (delivery method, channel number) pair.
type channelKey uint16

func makeChannelKey(method DeliveryMethod, ch uint8) channelKey {
	return channelKey(uint16(method)*MaxChannels + uint16(ch))
}

// Connection is one peer-to-peer session: its handshake state, its
// sender/receiver channel set, RTT/clock tracking, MTU discovery state,
// and the outgoing packet assembler (spec.md §4.7, §5, "connection owns
// channel arrays and ack queues").
type Connection struct {
	peer       *Peer
	remoteAddr *net.UDPAddr
	traceID    string

	mu     sync.RWMutex
	status ConnectionStatus

	appID    string
	uniqueID int64
	hail     []byte

	senders   map[channelKey]channel.Sender
	receivers map[channelKey]channel.Receiver
	chanMu    sync.Mutex

	outboundAcks []ackEntry
	inboundAcks  []ackEntry
	ackMu        sync.Mutex

	reassembler *fragment.Reassembler

	fragHeaders        fragmentHeaders
	pendingFragHeaders pendingFragmentHeaders

	pendingOutMsgs pendingOutgoingMessages
	outMsgs        outstandingOutgoingMessages

	averageRTT       time.Duration
	rttInitialized   bool
	remoteClockOffset time.Duration
	pingCount        int
	lastPingNr       uint8
	lastPingSent     time.Time
	nextPingDue      time.Time
	timeoutDeadline  time.Time

	currentMTU int
	mtuState   mtuState

	handshakeAttempts uint8
	handshakeDeadline time.Time

	pendingDisconnect bool
	disconnectReason  string

	assembler packetAssembler

	heartbeatCount uint64

	// statistics, internal-only (spec.md non-goal: no statistics
	// reporting), kept for test observability.
	sentPackets      uint64
	receivedPackets  uint64
	resentMessages   uint64
	droppedDatagrams uint64
}

func newConnection(p *Peer, addr *net.UDPAddr) *Connection {
	c := &Connection{
		peer:        p,
		remoteAddr:  addr,
		traceID:     uuid.NewString(),
		status:      StatusNone,
		senders:     make(map[channelKey]channel.Sender),
		receivers:   make(map[channelKey]channel.Receiver),
		reassembler: fragment.NewReassembler(),
		currentMTU:  p.config.MaximumTransmissionUnit,
		mtuState:    newMTUState(),
	}
	c.assembler.init(c.currentMTU)
	return c
}

// Status returns the connection's current lifecycle state.
func (c *Connection) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s ConnectionStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()
	if prev != s {
		c.peer.notifyStatusChanged(c, s)
	}
}

// RemoteAddr returns the UDP address of the peer this connection talks to.
func (c *Connection) RemoteAddr() *net.UDPAddr { return c.remoteAddr }

// AverageRTT returns the current round-trip estimate and whether any pong
// has been observed yet (spec.md §9: explicit Option<Duration> instead of
// a negative-duration sentinel).
func (c *Connection) AverageRTT() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.averageRTT, c.rttInitialized
}

// CurrentMTU returns the connection's current usable MTU.
func (c *Connection) CurrentMTU() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMTU
}

func (c *Connection) resendDelay() time.Duration {
	c.mu.RLock()
	rtt := c.averageRTT
	initialized := c.rttInitialized
	c.mu.RUnlock()
	if !initialized {
		rtt = 100 * time.Millisecond
	}
	return 25*time.Millisecond + time.Duration(2.1*float64(rtt))
}

func windowSizeFor(method DeliveryMethod) int {
	switch method {
	case Unreliable, UnreliableSequenced:
		return unreliableWindow
	default:
		return reliableWindow
	}
}

// senderFor returns (creating if necessary) the sender channel for
// (method, ch).
func (c *Connection) senderFor(method DeliveryMethod, ch uint8) channel.Sender {
	key := makeChannelKey(method, ch)
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	s, ok := c.senders[key]
	if ok {
		return s
	}
	w := windowSizeFor(method)
	switch method {
	case Unreliable, UnreliableSequenced:
		s = channel.NewUnreliableSender(w)
	default:
		s = channel.NewReliableSender(w, c.resendDelay())
	}
	c.senders[key] = s
	return s
}

// receiverFor returns (creating if necessary) the receiver channel for
// (method, ch).
func (c *Connection) receiverFor(method DeliveryMethod, ch uint8) channel.Receiver {
	key := makeChannelKey(method, ch)
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	r, ok := c.receivers[key]
	if ok {
		return r
	}
	w := windowSizeFor(method)
	switch method {
	case Unreliable:
		r = channel.NewUnreliableUnorderedReceiver()
	case UnreliableSequenced:
		r = channel.NewUnreliableSequencedReceiver()
	case ReliableUnordered:
		r = channel.NewReliableUnorderedReceiver(w)
	case ReliableSequenced:
		r = channel.NewReliableSequencedReceiver(w)
	case ReliableOrdered:
		r = channel.NewReliableOrderedReceiver(w)
	}
	c.receivers[key] = r
	return r
}

// refreshResendDelay pushes the newly computed resendDelay into every
// reliable sender channel, called whenever averageRTT updates (spec.md
// §4.7: "refresh every reliable sender channel's resendDelay").
func (c *Connection) refreshResendDelay() {
	delay := c.resendDelay()
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	for _, s := range c.senders {
		if rs, ok := s.(*channel.ReliableSender); ok {
			rs.SetResendDelay(delay)
		}
	}
}

// enqueueAck records that (type, seq) must be acknowledged on a future
// heartbeat; called unconditionally for every arrival (spec.md §4.6).
func (c *Connection) enqueueAck(msgType MessageType, s seq.Number) {
	c.ackMu.Lock()
	c.outboundAcks = append(c.outboundAcks, ackEntry{msgType: msgType, seqNr: s})
	c.ackMu.Unlock()
}

// enqueueIncomingAck records a received Acknowledge entry for the next
// heartbeat's drain step (spec.md §4.9 step 2).
func (c *Connection) enqueueIncomingAck(msgType MessageType, s seq.Number) {
	c.ackMu.Lock()
	c.inboundAcks = append(c.inboundAcks, ackEntry{msgType: msgType, seqNr: s})
	c.ackMu.Unlock()
}

func (c *Connection) drainOutboundAcks() []ackEntry {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	acks := c.outboundAcks
	c.outboundAcks = nil
	return acks
}

func (c *Connection) drainInboundAcks() []ackEntry {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	acks := c.inboundAcks
	c.inboundAcks = nil
	return acks
}

// releaseOutgoingMessages releases the recycle reference of every message
// still held for sending or retransmission, called once on teardown so a
// connection closed with messages in flight doesn't leak pool references
// (spec.md §5).
func (c *Connection) releaseOutgoingMessages() {
	for _, msg := range c.pendingOutMsgs.drainAll() {
		msg.release()
	}
	for _, msg := range c.outMsgs.drainAll() {
		msg.release()
	}
}

// requestDisconnect sets the pending-disconnect flag consumed on the next
// heartbeat (spec.md §5: "asynchronous teardown").
func (c *Connection) requestDisconnect(reason string) {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.pendingDisconnect = true
	c.disconnectReason = reason
	c.status = StatusDisconnecting
	c.mu.Unlock()
}
