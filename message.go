package reliudp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/reliudp/reliudp/internal/seq"
)

// MessageType identifies what a wire message is: one of the fixed handshake
// types, the synthetic Acknowledge type, or an application type derived
// from (DeliveryMethod, channel) — spec.md §4.4.
type MessageType uint8

const (
	TypeConnect MessageType = iota
	TypeConnectResponse
	TypeConnectionEstablished
	TypeDisconnect
	TypePing
	TypePong
	TypeMTUProbe
	TypeMTUProbeSuccess
	TypeAcknowledge

	typeApplicationBase
)

// MaxChannels bounds how many channels a single delivery method may use,
// matching the teacher's MAX_CHANNELS constant.
const MaxChannels = 32

// DeliveryMethod selects a channel's reliability and ordering semantics
// (spec.md §1).
type DeliveryMethod uint8

const (
	Unreliable DeliveryMethod = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableSequenced
	ReliableOrdered

	numDeliveryMethods
)

// ApplicationType returns the wire MessageType for one (method, channel)
// pair.
func ApplicationType(method DeliveryMethod, channel uint8) MessageType {
	return typeApplicationBase + MessageType(uint8(method)*MaxChannels+channel)
}

func (t MessageType) isApplication() bool { return t >= typeApplicationBase }

func (t MessageType) methodAndChannel() (DeliveryMethod, uint8) {
	offset := uint8(t - typeApplicationBase)
	return DeliveryMethod(offset / MaxChannels), offset % MaxChannels
}

func (t MessageType) isReliable() bool {
	if !t.isApplication() {
		return false
	}
	m, _ := t.methodAndChannel()
	return m == ReliableUnordered || m == ReliableSequenced || m == ReliableOrdered
}

// baseHeaderSize is the fixed 5-byte per-message header (spec.md §6).
const baseHeaderSize = 5

// OutgoingMessage is an application payload queued to be framed and sent.
// Once Sent() is true it must not be mutated; sending the same message to
// additional recipients increments its recycle reference count instead.
type OutgoingMessage struct {
	mu        sync.Mutex
	payload   []byte
	method    DeliveryMethod
	channel   uint8
	fragment  *fragment.Header
	sent      bool
	recycle   int32
	onRelease func(*OutgoingMessage)
}

// NewOutgoingMessage wraps payload for sending on (method, channel).
func NewOutgoingMessage(payload []byte, method DeliveryMethod, channel uint8) *OutgoingMessage {
	return &OutgoingMessage{payload: payload, method: method, channel: channel, recycle: 1}
}

// Sent reports whether this message has already been dispatched once.
func (m *OutgoingMessage) Sent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// markSent latches the sent flag. It does not report whether the flag was
// already set; SendMessage checks the flag itself and refuses a second send
// (CannotResend, spec.md §7).
func (m *OutgoingMessage) markSent() {
	m.mu.Lock()
	m.sent = true
	m.mu.Unlock()
}

// retain increments the recycle reference count when the same message is
// queued for an additional recipient.
func (m *OutgoingMessage) retain() { atomic.AddInt32(&m.recycle, 1) }

// release decrements the recycle reference count; at zero the backing
// buffer is eligible to return to the pool via onRelease.
func (m *OutgoingMessage) release() {
	if atomic.AddInt32(&m.recycle, -1) == 0 && m.onRelease != nil {
		m.onRelease(m)
	}
}

func (m *OutgoingMessage) bitLength() int { return len(m.payload) * 8 }

// encode writes this message's wire bytes (base header, optional fragment
// header, payload) at seqNr into buf.
func (m *OutgoingMessage) encode(buf *bitbuf.Buffer, seqNr seq.Number, msgType MessageType) {
	buf.WriteUint8(uint8(msgType))
	fragFlag := m.fragment != nil
	buf.WriteBool(fragFlag)
	buf.WriteBits(uint64(seqNr), 15) // plus the fragment flag bit, fills exactly 2 bytes
	buf.WriteUint16(uint16(m.bitLength()))
	if fragFlag {
		m.fragment.Encode(buf)
	}
	buf.Pad()
	buf.WriteBitSlice(m.payload, 0, m.bitLength())
}

// encodedSize returns the total byte size encode would produce.
func (m *OutgoingMessage) encodedSize() int {
	size := baseHeaderSize
	if m.fragment != nil {
		size += m.fragment.EncodedSize()
	}
	size += bitbuf.ByteLength(m.bitLength())
	return size
}

// MessageClass distinguishes application data from the library's
// notification classes surfaced through TakeInbound (spec.md §6).
type MessageClass uint8

const (
	ClassData MessageClass = iota
	ClassStatusChanged
	ClassDebugMessage
	ClassWarningMessage
	ClassErrorMessage
	ClassConnectionLatencyUpdated
	ClassConnectionApproval
	ClassUnconnectedData
)

// IncomingMessage is either a decoded application payload or a library
// notification, handed to the application via TakeInbound.
type IncomingMessage struct {
	Class      MessageClass
	Connection *Connection
	Data       []byte
	Method     DeliveryMethod
	Channel    uint8
	SeqNr      seq.Number
	Status     ConnectionStatus
	Text       string
	Latency    time.Duration
	Approval   *ConnectionApprovalEvent
	ReceivedAt time.Time
}

// Reader returns a fresh bit-level reader over Data, for application
// messages that encode structured fields with the same bit codec the
// library uses on the wire.
func (m *IncomingMessage) Reader() *bitbuf.Buffer {
	return bitbuf.FromBytes(m.Data, len(m.Data)*8)
}
