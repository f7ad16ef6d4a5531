package channel

import "github.com/reliudp/reliudp/internal/seq"

// AckFunc enqueues an outgoing ack for (type, seq); called unconditionally
// on every arrival regardless of whether the message is kept, dropped or
// withheld (spec.md §4.6).
type AckFunc func(seqNr seq.Number)

// DeliverFunc hands a payload to the application-visible inbound queue.
type DeliverFunc func(payload []byte)

// Receiver is the common interface satisfied by all five receive-side
// channel variants.
type Receiver interface {
	Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc)
}

// UnreliableUnorderedReceiver delivers every arrival immediately.
type UnreliableUnorderedReceiver struct{}

func NewUnreliableUnorderedReceiver() *UnreliableUnorderedReceiver {
	return &UnreliableUnorderedReceiver{}
}

func (r *UnreliableUnorderedReceiver) Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc) {
	ack(s)
	deliver(payload)
}

// UnreliableSequencedReceiver drops anything older than the newest sequence
// seen so far.
type UnreliableSequencedReceiver struct {
	lastSeq seq.Number
	hasLast bool
}

func NewUnreliableSequencedReceiver() *UnreliableSequencedReceiver {
	return &UnreliableSequencedReceiver{}
}

func (r *UnreliableSequencedReceiver) Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc) {
	ack(s)
	if r.hasLast && seq.Relative(s, seq.Next(r.lastSeq)) < 0 {
		return
	}
	r.lastSeq = s
	r.hasLast = true
	deliver(payload)
}

// ReliableSequencedReceiver delivers on-time or early-within-window
// messages (jumping the window to the received sequence, per spec.md §9's
// documented "deliver and skip" semantics), drops late/duplicate and
// too-early ones.
type ReliableSequencedReceiver struct {
	windowStart seq.Number
	windowSize  int
}

func NewReliableSequencedReceiver(windowSize int) *ReliableSequencedReceiver {
	return &ReliableSequencedReceiver{windowSize: windowSize}
}

func (r *ReliableSequencedReceiver) Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc) {
	ack(s)
	rel := seq.Relative(s, r.windowStart)
	switch {
	case rel == 0:
		deliver(payload)
		r.windowStart = seq.Next(r.windowStart)
	case rel < 0:
		// late or duplicate, drop
	case rel <= r.windowSize:
		deliver(payload)
		r.windowStart = s
	default:
		// too far ahead of the window, drop
	}
}

// ReliableUnorderedReceiver delivers every first arrival within the window
// immediately, filtering duplicates with an earlyReceived bit vector.
type ReliableUnorderedReceiver struct {
	windowStart   seq.Number
	windowSize    int
	earlyReceived []bool
}

func NewReliableUnorderedReceiver(windowSize int) *ReliableUnorderedReceiver {
	return &ReliableUnorderedReceiver{windowSize: windowSize, earlyReceived: make([]bool, windowSize)}
}

func (r *ReliableUnorderedReceiver) Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc) {
	ack(s)
	rel := seq.Relative(s, r.windowStart)
	switch {
	case rel < 0:
		// late or duplicate, drop
	case rel == 0:
		idx := int(r.windowStart) % r.windowSize
		r.earlyReceived[idx] = false
		deliver(payload)
		r.windowStart = seq.Next(r.windowStart)
		for r.earlyReceived[int(r.windowStart)%r.windowSize] {
			r.earlyReceived[int(r.windowStart)%r.windowSize] = false
			r.windowStart = seq.Next(r.windowStart)
		}
	case rel <= r.windowSize:
		idx := int(s) % r.windowSize
		if r.earlyReceived[idx] {
			return // duplicate of an already-received early message
		}
		r.earlyReceived[idx] = true
		deliver(payload)
	default:
		// too far ahead of the window, drop
	}
}

// ReliableOrderedReceiver delivers strictly in sender order, withholding
// early arrivals until the gap closes.
type ReliableOrderedReceiver struct {
	windowStart   seq.Number
	windowSize    int
	earlyReceived []bool
	withheld      [][]byte
}

func NewReliableOrderedReceiver(windowSize int) *ReliableOrderedReceiver {
	return &ReliableOrderedReceiver{
		windowSize:    windowSize,
		earlyReceived: make([]bool, windowSize),
		withheld:      make([][]byte, windowSize),
	}
}

func (r *ReliableOrderedReceiver) Receive(s seq.Number, payload []byte, ack AckFunc, deliver DeliverFunc) {
	ack(s)
	rel := seq.Relative(s, r.windowStart)
	switch {
	case rel == 0:
		deliver(payload)
		r.advanceAndDrain(deliver)
	case rel < 0:
		// late or duplicate, drop
	case rel <= r.windowSize:
		idx := int(s) % r.windowSize
		if !r.earlyReceived[idx] {
			r.earlyReceived[idx] = true
			r.withheld[idx] = payload
		}
	default:
		// too far ahead of the window, drop
	}
}

func (r *ReliableOrderedReceiver) advanceAndDrain(deliver DeliverFunc) {
	r.windowStart = seq.Next(r.windowStart)
	for {
		idx := int(r.windowStart) % r.windowSize
		if !r.earlyReceived[idx] {
			return
		}
		deliver(r.withheld[idx])
		r.earlyReceived[idx] = false
		r.withheld[idx] = nil
		r.windowStart = seq.Next(r.windowStart)
	}
}
