// Package reliudp implements a connection-oriented, reliable-message
// transport layered over UDP: handshake and lifecycle management,
// keep-alive, path MTU discovery, five delivery-method channels with
// sliding-window ARQ, fragmentation/reassembly of oversize payloads, and
// packet coalescing.
package reliudp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/reliudp/reliudp/internal/xlog"
)

// Peer owns the UDP socket, the connection map, and the single cooperative
// transport worker (spec.md §5: "a single transport worker runs a
// cooperative tick loop: receive drain -> per-connection heartbeat ->
// sleep until next tick").
type Peer struct {
	config *Config
	conn   *net.UDPConn

	startTime time.Time

	connMu      sync.RWMutex
	connections map[string]*Connection

	inbound chan *IncomingMessage

	approver func(*ConnectionApprovalEvent)

	bufPool *bufferPool
	msgPool *messagePool

	uniqueIDSeq int64

	closing chan struct{}
	closed  int32
	wg      sync.WaitGroup
}

// NewPeer binds the UDP socket on cfg.Port and constructs a Peer ready to
// Run. A bind failure is a global error that aborts peer startup (spec.md
// §7 policy).
func NewPeer(cfg *Config) (*Peer, error) {
	addr := &net.UDPAddr{Port: int(cfg.Port)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(ErrSocketFailure, err.Error())
	}
	p := &Peer{
		config:      cfg,
		conn:        conn,
		startTime:   time.Now(),
		connections: make(map[string]*Connection),
		inbound:     make(chan *IncomingMessage, 256),
		bufPool:     newBufferPool(cfg.MaximumTransmissionUnit),
		msgPool:     newMessagePool(cfg.UseMessageRecycling),
		closing:     make(chan struct{}),
		uniqueIDSeq: time.Now().UnixNano(),
	}
	return p, nil
}

// SetConnectionApprover registers a callback invoked with a
// ConnectionApprovalEvent for every incoming Connect (spec.md §4.7's
// "application opted in for approval" branch). Nil (the default) accepts
// every well-formed Connect immediately.
func (p *Peer) SetConnectionApprover(f func(*ConnectionApprovalEvent)) {
	p.approver = f
}

// Run executes the tick loop until the peer is closed or a tick returns an
// error (which Run then returns); interval governs the sleep between ticks.
func (p *Peer) Run(interval time.Duration) error {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-p.closing:
			return nil
		default:
		}
		if err := p.tick(); err != nil {
			return err
		}
		time.Sleep(interval)
	}
}

func (p *Peer) tick() error {
	var merr *multierror.Error
	if err := p.drainSocket(); err != nil {
		merr = multierror.Append(merr, err)
	}

	now := time.Now()
	for _, c := range p.snapshotConnections() {
		c.handleHandshakeTimer(now)
		c.heartbeat(now)
	}
	return merr.ErrorOrNil()
}

// drainSocket reads every datagram currently pending on the socket
// without blocking, routing each to its connection (or creating one for a
// fresh Connect, or surfacing it as UnconnectedData).
func (p *Peer) drainSocket() error {
	buf := p.bufPool.get()
	defer p.bufPool.put(buf)

	var merr *multierror.Error
	for {
		p.conn.SetReadDeadline(time.Now())
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return merr.ErrorOrNil()
			}
			merr = multierror.Append(merr, errors.Wrap(ErrSocketFailure, err.Error()))
			return merr.ErrorOrNil()
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		p.routeDatagram(addr, data)
	}
}

func (p *Peer) routeDatagram(addr *net.UDPAddr, data []byte) {
	key := addr.String()
	p.connMu.RLock()
	c, ok := p.connections[key]
	p.connMu.RUnlock()

	if ok {
		c.dispatchDatagram(time.Now(), data)
		return
	}

	if !p.config.AcceptIncomingConnections {
		return
	}
	if len(data) < baseHeaderSize || MessageType(data[0]) != TypeConnect {
		p.deliverUnconnected(addr, data)
		return
	}

	c = newConnection(p, addr)
	c.uniqueID = atomic.AddInt64(&p.uniqueIDSeq, 1)
	p.connMu.Lock()
	if p.config.MaximumConnections > 0 && uint32(len(p.connections)) >= p.config.MaximumConnections {
		p.connMu.Unlock()
		return
	}
	p.connections[key] = c
	p.connMu.Unlock()

	c.dispatchDatagram(time.Now(), data)
}

func (p *Peer) deliverUnconnected(addr *net.UDPAddr, data []byte) {
	if !p.config.classEnabled(ClassUnconnectedData) {
		return
	}
	p.deliverInbound(&IncomingMessage{
		Class:      ClassUnconnectedData,
		Data:       data,
		Text:       addr.String(),
		ReceivedAt: time.Now(),
	})
}

func (p *Peer) snapshotConnections() []*Connection {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	out := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, c)
	}
	return out
}

func (p *Peer) removeConnection(c *Connection) {
	p.connMu.Lock()
	delete(p.connections, c.remoteAddr.String())
	p.connMu.Unlock()
}

// sendRaw sends one already-framed datagram, returning false on an
// OS-level failure so callers that care about delivery (MTU probing) can
// react to it instead of the failure being silently swallowed. Every
// other caller logs a Warning and ignores the result (spec.md §7's
// default SocketFailure policy outside MTU probing).
func (p *Peer) sendRaw(addr *net.UDPAddr, data []byte) bool {
	if _, err := p.conn.WriteToUDP(data, addr); err != nil {
		xlog.Warnf("send to %s failed: %v", addr, err)
		return false
	}
	return true
}

// Connect starts a client handshake toward host:port (spec.md §4.7,
// §6's connect API).
func (p *Peer) Connect(host string, port int, hail []byte) (*Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errors.Wrap(ErrSocketFailure, err.Error())
	}
	c := newConnection(p, addr)
	c.uniqueID = atomic.AddInt64(&p.uniqueIDSeq, 1)

	p.connMu.Lock()
	p.connections[addr.String()] = c
	p.connMu.Unlock()

	c.beginConnect(time.Now(), p.config.AppIdentifier, hail)
	return c, nil
}

// NewOutgoingMessage returns a message backed by the peer's recycling pool
// (a no-op free-list when Config.UseMessageRecycling is false), so its
// recycle reference returns the shell to the pool once SendMessage's
// enqueue/ack-complete/drop path releases it (spec.md §5, §6).
func (p *Peer) NewOutgoingMessage(payload []byte, method DeliveryMethod, channel uint8) *OutgoingMessage {
	return p.msgPool.get(payload, method, channel)
}

// SendMessage enqueues msg on conn's (method, channel) sender, fragmenting
// first if it exceeds the current MTU (spec.md §4.10, §6). msg's recycle
// reference is released once the channel is done with its payload: right
// away for a drop, at actual send time for unreliable methods, or once the
// ack completes for reliable ones (spec.md §5's reference-counting rule).
func (p *Peer) SendMessage(msg *OutgoingMessage, conn *Connection) SendResult {
	if conn == nil {
		return SendResultNoRecipients
	}
	if conn.Status() != StatusConnected {
		return SendResultFailedNotConnected
	}
	msg.mu.Lock()
	if msg.sent {
		msg.mu.Unlock()
		xlog.Errorf("conn %s: %v", conn.traceID, ErrCannotResend)
		return SendResultDropped
	}
	msg.sent = true
	payload := msg.payload
	method := msg.method
	channel := msg.channel
	msg.mu.Unlock()

	mtu := conn.CurrentMTU()
	needsFragmentation := len(payload)+baseHeaderSize > mtu

	if needsFragmentation {
		if method == Unreliable && p.config.UnreliableSizeBehaviour != NormalFragmentation {
			if p.config.UnreliableSizeBehaviour == DropAboveMTU {
				msg.release()
				return SendResultDropped
			}
			// IgnoreMTU: fall through and enqueue oversize, unfragmented.
		} else {
			// fragmented sub-messages carry their own payload slices, so the
			// parent message's buffer is never recycled (spec.md §5).
			result := conn.sendFragmented(payload, method, channel)
			msg.release()
			return result
		}
	}

	sender := conn.senderFor(method, channel)
	if !sender.Enqueue(payload) {
		msg.release()
		return SendResultDropped
	}
	conn.pendingOutMsgs.push(makeChannelKey(method, channel), msg)
	return SendResultQueued
}

// SendUnconnected sends payload to addr without any connection or ARQ
// wrapping (spec.md §6).
func (p *Peer) SendUnconnected(payload []byte, host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return errors.Wrap(ErrSocketFailure, err.Error())
	}
	if _, err := p.conn.WriteToUDP(payload, addr); err != nil {
		return errors.Wrap(ErrSocketFailure, err.Error())
	}
	return nil
}

// Disconnect requests a graceful teardown of conn, flushed on its next
// heartbeat (spec.md §5).
func (p *Peer) Disconnect(conn *Connection, reason string) {
	conn.requestDisconnect(reason)
}

// TakeInbound blocks up to timeout for the next inbound message (spec.md
// §5: "the only blocking API").
func (p *Peer) TakeInbound(timeout time.Duration) (*IncomingMessage, bool) {
	if timeout <= 0 {
		select {
		case m := <-p.inbound:
			return m, true
		default:
			return nil, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-p.inbound:
		return m, true
	case <-timer.C:
		return nil, false
	}
}

func (p *Peer) deliverInbound(m *IncomingMessage) {
	if !p.config.classEnabled(m.Class) {
		return
	}
	select {
	case p.inbound <- m:
	default:
		xlog.Warnf("inbound queue full, dropping %v message", m.Class)
	}
}

func (p *Peer) deliverApproval(e *ConnectionApprovalEvent) {
	p.deliverInbound(&IncomingMessage{Class: ClassConnectionApproval, Connection: e.conn, Approval: e, ReceivedAt: time.Now()})
	if p.approver != nil {
		p.approver(e)
	}
}

func (p *Peer) completeHandshakeAccept(c *Connection) {
	now := time.Now()
	c.setStatus(StatusRespondedConnect)
	c.mu.Lock()
	c.handshakeDeadline = now.Add(p.config.ResendHandshakeInterval)
	c.mu.Unlock()
	c.sendConnectResponse(now)
}

func (p *Peer) completeHandshakeDeny(c *Connection, reason string) {
	c.assembler.queueMessage(c, TypeDisconnect, 0, encodeDisconnect(reason), nil)
	c.assembler.flush(c)
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
	p.removeConnection(c)
}

func (p *Peer) notifyStatusChanged(c *Connection, status ConnectionStatus) {
	p.deliverInbound(&IncomingMessage{Class: ClassStatusChanged, Connection: c, Status: status, ReceivedAt: time.Now()})
}

func (p *Peer) notifyError(c *Connection, err error) {
	xlog.Errorf("conn %s: %v", c.traceID, err)
	p.deliverInbound(&IncomingMessage{Class: ClassErrorMessage, Connection: c, Text: err.Error(), ReceivedAt: time.Now()})
}

func (p *Peer) notifyLatencyUpdated(c *Connection, rtt time.Duration) {
	p.deliverInbound(&IncomingMessage{Class: ClassConnectionLatencyUpdated, Connection: c, Latency: rtt, ReceivedAt: time.Now()})
}

// Close drains connections for a bounded interval, forcibly disconnecting
// any still open, then releases the socket (spec.md §5).
func (p *Peer) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for _, c := range p.snapshotConnections() {
		c.requestDisconnect("peer shutting down")
	}
	for time.Now().Before(deadline) && len(p.snapshotConnections()) > 0 {
		now := time.Now()
		for _, c := range p.snapshotConnections() {
			c.handlePendingDisconnect(now)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(p.closing)
	p.wg.Wait()
	return p.conn.Close()
}
