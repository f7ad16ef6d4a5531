package reliudp

import (
	"time"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/channel"
	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/reliudp/reliudp/internal/seq"
)

// packetAssembler coalesces wire messages into MTU-sized datagrams
// (spec.md §4.9's queueForSend coalescing rule).
type packetAssembler struct {
	buf *bitbuf.Buffer
	mtu int
}

func (a *packetAssembler) init(mtu int) {
	a.mtu = mtu
	a.buf = bitbuf.New(mtu)
}

func (a *packetAssembler) setMTU(mtu int) { a.mtu = mtu }

func (a *packetAssembler) writtenBytes() int {
	return bitbuf.ByteLength(a.buf.BitPosition())
}

// queueMessage encodes one wire message (base header, optional fragment
// header, payload) into the coalescing buffer, flushing first if it would
// overflow currentMTU and flushing again immediately if it still does
// (spec.md §4.9).
func (a *packetAssembler) queueMessage(c *Connection, msgType MessageType, seqNr seq.Number, payload []byte, frag *fragment.Header) {
	size := baseHeaderSize
	if frag != nil {
		size += frag.EncodedSize()
	}
	size += bitbuf.ByteLength(len(payload) * 8)

	if a.writtenBytes()+size > a.mtu && a.writtenBytes() > 0 {
		a.flush(c)
	}

	a.buf.WriteUint8(uint8(msgType))
	a.buf.WriteBool(frag != nil)
	a.buf.WriteBits(uint64(seqNr), 15)
	a.buf.WriteUint16(uint16(len(payload) * 8))
	if frag != nil {
		frag.Encode(a.buf)
	}
	a.buf.Pad()
	a.buf.WriteBitSlice(payload, 0, len(payload)*8)

	if a.writtenBytes() > a.mtu {
		a.flush(c)
	}
}

// flush sends whatever is pending as one datagram and resets the buffer.
func (a *packetAssembler) flush(c *Connection) {
	n := a.writtenBytes()
	if n == 0 {
		return
	}
	data := make([]byte, n)
	copy(data, a.buf.Data()[:n])
	a.buf = bitbuf.New(a.mtu)
	c.peer.sendRaw(c.remoteAddr, data)
	c.sentPackets++
}

// heartbeatEvery4 and heartbeatEvery8 gate the lower-frequency heartbeat
// steps (spec.md §4.9 step 1/2).
const (
	heartbeatEvery4 = 4
	heartbeatEvery8 = 8
)

// heartbeat runs one connection's per-tick work in the order spec.md §4.9
// prescribes.
func (c *Connection) heartbeat(now time.Time) {
	c.heartbeatCount++

	if c.heartbeatCount%heartbeatEvery8 == 0 {
		c.checkTimeout(now)
		c.checkPingDue(now)
		c.mtuHeartbeat(now)
		c.handlePendingDisconnect(now)
	}

	if c.heartbeatCount%heartbeatEvery4 == 0 {
		c.drainAckQueues(now)
	}

	if c.peer.config.AutoFlushSendQueue {
		c.flushSendChannels(now)
	}

	c.assembler.flush(c)
}

// drainAckQueues packs the outbound ack queue into Acknowledge messages
// sized to fit the remaining MTU, and routes received acks into their
// sender channels (spec.md §4.9 step 2).
func (c *Connection) drainAckQueues(now time.Time) {
	pending := c.drainOutboundAcks()
	const entrySize = 3 // bytes per (type,seq) pair
	maxEntriesPerPacket := (c.CurrentMTU() - baseHeaderSize) / entrySize
	if maxEntriesPerPacket < 1 {
		maxEntriesPerPacket = 1
	}
	for len(pending) > 0 {
		n := len(pending)
		if n > maxEntriesPerPacket {
			n = maxEntriesPerPacket
		}
		batch := pending[:n]
		pending = pending[n:]
		payload := encodeAcknowledge(batch)
		c.assembler.queueMessage(c, TypeAcknowledge, 0, payload, nil)
	}

	incoming := c.drainInboundAcks()
	for _, e := range incoming {
		if !e.msgType.isApplication() {
			continue
		}
		method, ch := e.msgType.methodAndChannel()
		s := c.senderFor(method, ch)
		key := makeChannelKey(method, ch)
		before := reliableResendCounters(s)
		beforeWindow := s.WindowStart()
		s.ReceiveAck(e.seqNr, now, c.makeSendFunc(method, ch))
		afterWindow := s.WindowStart()
		after := reliableResendCounters(s)
		c.resentMessages += uint64(after - before)

		// the window just advanced past every sequence whose ack is now
		// complete: release each one's recycle reference (spec.md §5).
		for _, msg := range c.outMsgs.takeRange(key, beforeWindow, afterWindow) {
			msg.release()
		}
	}
}

func reliableResendCounters(s channel.Sender) int {
	if rs, ok := s.(*channel.ReliableSender); ok {
		return rs.DelayResends + rs.HoleResends
	}
	return 0
}

// flushSendChannels walks send channels in reverse delivery-method order
// (reliable first) calling each channel's Tick (spec.md §4.9 step 3).
func (c *Connection) flushSendChannels(now time.Time) {
	c.chanMu.Lock()
	keys := make([]channelKey, 0, len(c.senders))
	for k := range c.senders {
		keys = append(keys, k)
	}
	c.chanMu.Unlock()

	// Sort descending by method so reliable (higher DeliveryMethod
	// values) tick before unreliable.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] > keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}

	for _, k := range keys {
		method := DeliveryMethod(uint16(k) / MaxChannels)
		ch := uint8(uint16(k) % MaxChannels)
		c.chanMu.Lock()
		s := c.senders[k]
		c.chanMu.Unlock()
		s.Tick(now, c.makeSendFunc(method, ch))
	}
}

// makeSendFunc returns the closure a channel.Sender uses to hand a
// (seq, payload) pair to the packet assembler, attaching that sequence's
// fragment header if one was recorded by sendFragmented and matching it
// back to the *OutgoingMessage that owns it, if any, for recycle-reference
// bookkeeping (spec.md §5).
//
// Both lookups follow the same rule: the first send of a fresh sequence
// pops from the pending FIFO and records the result durably so every later
// resend of that same sequence reuses it instead of popping again.
func (c *Connection) makeSendFunc(method DeliveryMethod, ch uint8) channel.SendFunc {
	msgType := ApplicationType(method, ch)
	key := makeChannelKey(method, ch)
	reliable := msgType.isReliable()
	return func(seqNr seq.Number, payload []byte) {
		var frag *fragment.Header
		if h, ok := c.fragHeaders.get(key, seqNr); ok {
			frag = &h
		} else if h, ok := c.pendingFragHeaders.pop(key); ok {
			c.fragHeaders.set(key, seqNr, h)
			frag = &h
		}

		if _, tracked := c.outMsgs.get(key, seqNr); !tracked {
			if msg := c.pendingOutMsgs.pop(key); msg != nil {
				if reliable {
					// held until the ack completes (drainAckQueues releases it)
					c.outMsgs.set(key, seqNr, msg)
				} else {
					// unreliable channels never resend; release immediately
					msg.release()
				}
			}
		}

		c.assembler.queueMessage(c, msgType, seqNr, payload, frag)
	}
}

// handlePendingDisconnect flushes send channels, optionally sends a
// Disconnect datagram, and transitions to Disconnected (spec.md §4.7).
func (c *Connection) handlePendingDisconnect(now time.Time) {
	c.mu.RLock()
	pending := c.pendingDisconnect
	reason := c.disconnectReason
	c.mu.RUnlock()
	if !pending {
		return
	}

	c.flushSendChannels(now)
	if reason != "" {
		c.assembler.queueMessage(c, TypeDisconnect, 0, encodeDisconnect(reason), nil)
	}
	c.assembler.flush(c)

	c.mu.Lock()
	c.pendingDisconnect = false
	c.status = StatusDisconnected
	c.mu.Unlock()
	c.releaseOutgoingMessages()
	c.peer.notifyStatusChanged(c, StatusDisconnected)
	c.peer.removeConnection(c)
}

func (c *Connection) checkTimeout(now time.Time) {
	if c.Status() != StatusConnected {
		return
	}
	c.mu.RLock()
	deadline := c.timeoutDeadline
	c.mu.RUnlock()
	if now.After(deadline) {
		c.peer.notifyError(c, ErrConnectionTimeout)
		c.requestDisconnect("connection timed out")
	}
}

func (c *Connection) checkPingDue(now time.Time) {
	if c.Status() != StatusConnected {
		return
	}
	c.mu.RLock()
	due := c.nextPingDue
	c.mu.RUnlock()
	if now.Before(due) {
		return
	}
	c.mu.Lock()
	c.lastPingNr++
	nr := c.lastPingNr
	c.lastPingSent = now
	c.nextPingDue = now.Add(c.peer.config.PingInterval)
	c.mu.Unlock()
	c.assembler.queueMessage(c, TypePing, 0, encodePing(nr), nil)
}
