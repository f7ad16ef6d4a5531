package reliudp

import (
	"time"

	"github.com/pkg/errors"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/reliudp/reliudp/internal/seq"
)

// decodedHeader is one parsed message's base header plus its payload, copied
// out of the datagram into its own byte slice.
type decodedHeader struct {
	msgType    MessageType
	hasFragment bool
	seqNr      seq.Number
	bitLength  int
	fragment   fragment.Header
	payload    []byte
}

// decodeMessage reads one base-header-framed message starting at buf's
// current position, advancing buf past it. Returns ErrMalformedDatagram
// (wrapped) on any inconsistency, per spec.md §7.
func decodeMessage(buf *bitbuf.Buffer) (decodedHeader, error) {
	var d decodedHeader

	typeByte, err := buf.ReadBits(8)
	if err != nil {
		return d, errors.Wrap(ErrMalformedDatagram, "read message type")
	}
	d.msgType = MessageType(typeByte)

	fragFlag, err := buf.ReadBool()
	if err != nil {
		return d, errors.Wrap(ErrMalformedDatagram, "read fragment flag")
	}
	d.hasFragment = fragFlag

	seqBits, err := buf.ReadBits(15)
	if err != nil {
		return d, errors.Wrap(ErrMalformedDatagram, "read sequence number")
	}
	d.seqNr = seq.Number(seqBits)

	bitLen, err := buf.ReadBits(16)
	if err != nil {
		return d, errors.Wrap(ErrMalformedDatagram, "read payload bit length")
	}
	d.bitLength = int(bitLen)

	if d.hasFragment {
		h, err := fragment.DecodeHeader(buf)
		if err != nil {
			return d, errors.Wrap(ErrMalformedDatagram, "decode fragment header")
		}
		d.fragment = h
	}

	buf.Pad()
	if d.bitLength > buf.Remaining() {
		return d, errors.Wrap(ErrMalformedDatagram, "payload bit length exceeds remaining buffer")
	}

	payload := make([]byte, bitbuf.ByteLength(d.bitLength))
	if err := buf.ReadBitSlice(payload, 0, d.bitLength); err != nil {
		return d, errors.Wrap(ErrMalformedDatagram, "read payload bits")
	}
	d.payload = payload
	return d, nil
}

// ackEntry is one (type, seq) pair acknowledged within an Acknowledge
// message (spec.md §4.4, §6).
type ackEntry struct {
	msgType MessageType
	seqNr   seq.Number
}

// encodeAcknowledge packs entries into the 24-bit-per-entry Acknowledge
// payload.
func encodeAcknowledge(entries []ackEntry) []byte {
	buf := bitbuf.New(len(entries) * 3)
	for _, e := range entries {
		buf.WriteUint8(uint8(e.msgType))
		buf.WriteUint16(uint16(e.seqNr))
	}
	return buf.Data()
}

// decodeAcknowledge unpacks an Acknowledge payload of bitLength bits
// (must be a multiple of 24).
func decodeAcknowledge(payload []byte, bitLength int) ([]ackEntry, error) {
	if bitLength%24 != 0 {
		return nil, errors.Wrap(ErrMalformedDatagram, "acknowledge payload not a multiple of 24 bits")
	}
	buf := bitbuf.FromBytes(payload, bitLength)
	count := bitLength / 24
	entries := make([]ackEntry, 0, count)
	for i := 0; i < count; i++ {
		tb, err := buf.ReadBits(8)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDatagram, "acknowledge entry type")
		}
		sb, err := buf.ReadBits(16)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDatagram, "acknowledge entry seq")
		}
		entries = append(entries, ackEntry{msgType: MessageType(tb), seqNr: seq.Number(sb)})
	}
	return entries, nil
}

// handshakeHello is the Connect/ConnectResponse payload shape (spec.md §6).
type handshakeHello struct {
	AppID      string
	UniqueID   int64
	RemoteTime time.Duration
	Hail       []byte
}

func encodeHandshakeHello(h handshakeHello) []byte {
	buf := bitbuf.New(32 + len(h.Hail))
	buf.WriteString(h.AppID)
	buf.WriteUint64(uint64(h.UniqueID))
	buf.WriteVarInt64(durationToTicks(h.RemoteTime))
	buf.Pad()
	for _, b := range h.Hail {
		buf.WriteUint8(b)
	}
	return buf.Data()
}

func decodeHandshakeHello(payload []byte, bitLength int) (handshakeHello, error) {
	var h handshakeHello
	buf := bitbuf.FromBytes(payload, bitLength)

	appID, err := buf.ReadString()
	if err != nil {
		return h, errors.Wrap(ErrMalformedDatagram, "decode appId")
	}
	h.AppID = appID

	uid, err := buf.ReadBits(64)
	if err != nil {
		return h, errors.Wrap(ErrMalformedDatagram, "decode uniqueId")
	}
	h.UniqueID = int64(uid)

	ticks, err := buf.ReadVarInt64()
	if err != nil {
		return h, errors.Wrap(ErrMalformedDatagram, "decode remoteTime")
	}
	h.RemoteTime = ticksToDuration(ticks)

	buf.Pad()
	remainingBytes := bitbuf.ByteLength(buf.Remaining())
	if remainingBytes > 0 {
		hail := make([]byte, remainingBytes)
		if err := buf.ReadBitSlice(hail, 0, remainingBytes*8); err != nil {
			return h, errors.Wrap(ErrMalformedDatagram, "decode hail")
		}
		h.Hail = hail
	}
	return h, nil
}

// handshakeEstablished is the ConnectionEstablished payload shape.
type handshakeEstablished struct {
	RemoteTime time.Duration
}

func encodeHandshakeEstablished(h handshakeEstablished) []byte {
	buf := bitbuf.New(10)
	buf.WriteVarInt64(durationToTicks(h.RemoteTime))
	return buf.Data()
}

func decodeHandshakeEstablished(payload []byte, bitLength int) (handshakeEstablished, error) {
	var h handshakeEstablished
	buf := bitbuf.FromBytes(payload, bitLength)
	ticks, err := buf.ReadVarInt64()
	if err != nil {
		return h, errors.Wrap(ErrMalformedDatagram, "decode remoteTime")
	}
	h.RemoteTime = ticksToDuration(ticks)
	return h, nil
}

func encodeDisconnect(reason string) []byte {
	buf := bitbuf.New(len(reason) + 4)
	buf.WriteString(reason)
	return buf.Data()
}

func decodeDisconnect(payload []byte, bitLength int) (string, error) {
	buf := bitbuf.FromBytes(payload, bitLength)
	reason, err := buf.ReadString()
	if err != nil {
		return "", errors.Wrap(ErrMalformedDatagram, "decode disconnect reason")
	}
	return reason, nil
}

func encodePing(nr uint8) []byte {
	buf := bitbuf.New(1)
	buf.WriteUint8(nr)
	return buf.Data()
}

func decodePing(payload []byte, bitLength int) (uint8, error) {
	buf := bitbuf.FromBytes(payload, bitLength)
	nr, err := buf.ReadBits(8)
	if err != nil {
		return 0, errors.Wrap(ErrMalformedDatagram, "decode ping")
	}
	return uint8(nr), nil
}

func encodePong(nr uint8, senderNow time.Duration) []byte {
	buf := bitbuf.New(10)
	buf.WriteUint8(nr)
	buf.WriteVarInt64(durationToTicks(senderNow))
	return buf.Data()
}

func decodePong(payload []byte, bitLength int) (uint8, time.Duration, error) {
	buf := bitbuf.FromBytes(payload, bitLength)
	nr, err := buf.ReadBits(8)
	if err != nil {
		return 0, 0, errors.Wrap(ErrMalformedDatagram, "decode pong nr")
	}
	ticks, err := buf.ReadVarInt64()
	if err != nil {
		return 0, 0, errors.Wrap(ErrMalformedDatagram, "decode pong senderNow")
	}
	return uint8(nr), ticksToDuration(ticks), nil
}

func encodeMTUProbe(targetSize int) []byte {
	payload := make([]byte, targetSize)
	return payload
}

func encodeMTUProbeSuccess(size int) []byte {
	buf := bitbuf.New(5)
	buf.WriteVarUint32(uint32(size))
	return buf.Data()
}

func decodeMTUProbeSuccess(payload []byte, bitLength int) (int, error) {
	buf := bitbuf.FromBytes(payload, bitLength)
	size, err := buf.ReadVarUint32()
	if err != nil {
		return 0, errors.Wrap(ErrMalformedDatagram, "decode mtu probe success")
	}
	return int(size), nil
}

// durationToTicks/ticksToDuration convert to the 100ns "ticks" unit the
// handshake's zigzag varint timestamp uses, matching the teacher's use of a
// fixed sub-second tick for wall-clock interchange.
const ticksPerSecond = 10_000_000

func durationToTicks(d time.Duration) int64 {
	return int64(d) / (int64(time.Second) / ticksPerSecond)
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * (int64(time.Second) / ticksPerSecond))
}
