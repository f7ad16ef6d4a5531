package reliudp

import (
	"time"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/seq"
	"github.com/reliudp/reliudp/internal/xlog"
)

// dispatchDatagram decodes every message packed into one received
// datagram and routes each to its handler. Malformed datagrams are
// dropped and logged, never changing connection state (spec.md §7).
func (c *Connection) dispatchDatagram(now time.Time, data []byte) {
	c.receivedPackets++
	buf := bitbuf.FromBytes(data, len(data)*8)
	for buf.Remaining() >= baseHeaderSize*8 {
		d, err := decodeMessage(buf)
		if err != nil {
			c.droppedDatagrams++
			xlog.Warnf("conn %s: dropping malformed datagram: %v", c.traceID, err)
			return
		}
		c.dispatchMessage(now, d, len(data))
	}
}

func (c *Connection) dispatchMessage(now time.Time, d decodedHeader, datagramSize int) {
	switch {
	case d.msgType == TypeConnect:
		hello, err := decodeHandshakeHello(d.payload, d.bitLength)
		if err != nil {
			xlog.Warnf("conn %s: malformed Connect: %v", c.traceID, err)
			return
		}
		c.handleConnect(now, hello)

	case d.msgType == TypeConnectResponse:
		hello, err := decodeHandshakeHello(d.payload, d.bitLength)
		if err != nil {
			xlog.Warnf("conn %s: malformed ConnectResponse: %v", c.traceID, err)
			return
		}
		c.handleConnectResponse(now, hello)

	case d.msgType == TypeConnectionEstablished:
		est, err := decodeHandshakeEstablished(d.payload, d.bitLength)
		if err != nil {
			xlog.Warnf("conn %s: malformed ConnectionEstablished: %v", c.traceID, err)
			return
		}
		c.handleConnectionEstablished(now, est)

	case d.msgType == TypeDisconnect:
		reason, err := decodeDisconnect(d.payload, d.bitLength)
		if err != nil {
			reason = "remote disconnect"
		}
		c.handleDisconnect(reason)

	case d.msgType == TypePing:
		nr, err := decodePing(d.payload, d.bitLength)
		if err != nil {
			return
		}
		c.handlePing(now, nr)

	case d.msgType == TypePong:
		nr, senderNow, err := decodePong(d.payload, d.bitLength)
		if err != nil {
			return
		}
		c.handlePong(now, nr, senderNow)

	case d.msgType == TypeMTUProbe:
		c.handleMTUProbe(datagramSize)

	case d.msgType == TypeMTUProbeSuccess:
		size, err := decodeMTUProbeSuccess(d.payload, d.bitLength)
		if err != nil {
			return
		}
		c.handleMTUProbeSuccess(size)

	case d.msgType == TypeAcknowledge:
		entries, err := decodeAcknowledge(d.payload, d.bitLength)
		if err != nil {
			xlog.Warnf("conn %s: malformed Acknowledge: %v", c.traceID, err)
			return
		}
		for _, e := range entries {
			c.enqueueIncomingAck(e.msgType, e.seqNr)
		}

	case d.msgType.isApplication():
		c.dispatchApplication(d)

	default:
		xlog.Warnf("conn %s: unknown message type %d", c.traceID, d.msgType)
	}
}

// dispatchApplication routes an application message through its receiver
// channel, reassembling fragments before delivery when the fragment flag
// is set (spec.md §4.6, §4.3).
func (c *Connection) dispatchApplication(d decodedHeader) {
	method, ch := d.msgType.methodAndChannel()
	recv := c.receiverFor(method, ch)

	ackFn := func(s seq.Number) { c.enqueueAck(d.msgType, s) }
	deliverFn := func(payload []byte) {
		c.deliverApplicationPayload(d, payload)
	}
	recv.Receive(d.seqNr, d.payload, ackFn, deliverFn)
}

func (c *Connection) deliverApplicationPayload(d decodedHeader, payload []byte) {
	final := payload
	if d.hasFragment {
		reassembled, ok := c.reassembler.Receive(d.fragment, payload)
		if !ok {
			return
		}
		final = reassembled
	}
	method, ch := d.msgType.methodAndChannel()
	c.peer.deliverInbound(&IncomingMessage{
		Class:      ClassData,
		Connection: c,
		Data:       final,
		Method:     method,
		Channel:    ch,
		SeqNr:      d.seqNr,
		ReceivedAt: time.Now(),
	})
}
