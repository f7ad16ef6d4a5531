// Package channel implements the per-(delivery method, channel) send and
// receive sides of the sliding-window ARQ engine (spec.md §4.5, §4.6). A
// channel deals only in raw payload bytes and sequence numbers; framing
// those into on-wire messages is the caller's job (see wire.go, heartbeat.go
// in the parent package), keeping this package free of any dependency on
// the message/connection types it is used from.
package channel

import (
	"time"

	"github.com/reliudp/reliudp/internal/seq"
)

// SendFunc hands one (sequence, payload) pair to the packet assembler.
type SendFunc func(seqNr seq.Number, payload []byte)

// ackSet tracks, per slot, whether a sequence within the current window has
// been acknowledged out of order ("early ack" in spec.md §4.5).
type ackSet struct {
	size int
	bits []bool
}

func newAckSet(size int) *ackSet { return &ackSet{size: size, bits: make([]bool, size)} }
func (a *ackSet) isSet(s seq.Number) bool { return a.bits[int(s)%a.size] }
func (a *ackSet) set(s seq.Number)        { a.bits[int(s)%a.size] = true }
func (a *ackSet) clear(s seq.Number)      { a.bits[int(s)%a.size] = false }

// UnreliableSender implements spec.md §4.5's unreliable sender: window
// gating with drop-on-overflow, no retransmission.
type UnreliableSender struct {
	windowSize  int
	windowStart seq.Number
	nextSend    seq.Number
	queued      [][]byte
	acked       *ackSet
}

// NewUnreliableSender returns an unreliable sender with the given window
// size.
func NewUnreliableSender(windowSize int) *UnreliableSender {
	return &UnreliableSender{windowSize: windowSize, acked: newAckSet(windowSize)}
}

func (s *UnreliableSender) inFlight() int {
	return (int(s.nextSend) - int(s.windowStart) + seq.Space) % seq.Space
}

// AllowedSends returns how many more messages may be assigned a sequence
// number right now without exceeding the window.
func (s *UnreliableSender) AllowedSends() int {
	n := s.windowSize - s.inFlight()
	if n < 0 {
		return 0
	}
	return n
}

// Enqueue appends payload to the send queue, or reports false (dropped) if
// the queue is already as deep as the remaining window allows.
func (s *UnreliableSender) Enqueue(payload []byte) bool {
	if len(s.queued)+1 > s.AllowedSends() {
		return false
	}
	s.queued = append(s.queued, payload)
	return true
}

// Tick assigns sequence numbers to as many queued messages as the window
// allows and hands each to send.
func (s *UnreliableSender) Tick(now time.Time, send SendFunc) {
	for s.AllowedSends() > 0 && len(s.queued) > 0 {
		payload := s.queued[0]
		s.queued = s.queued[1:]
		n := s.nextSend
		s.nextSend = seq.Next(s.nextSend)
		send(n, payload)
	}
}

// ReceiveAck advances windowStart past an on-time ack, or records an early
// ack to be consumed once windowStart catches up. now and send are unused
// (unreliable channels never retransmit) but keep the method signature
// uniform with ReliableSender so both satisfy the Sender interface.
func (s *UnreliableSender) ReceiveAck(ack seq.Number, now time.Time, send SendFunc) {
	rel := seq.Relative(ack, s.windowStart)
	if rel < 0 {
		return
	}
	if rel == 0 {
		s.windowStart = seq.Next(s.windowStart)
		for s.acked.isSet(s.windowStart) {
			s.acked.clear(s.windowStart)
			s.windowStart = seq.Next(s.windowStart)
		}
		return
	}
	s.acked.set(ack)
}

// QueuedCount reports how many messages are waiting for a free window slot.
func (s *UnreliableSender) QueuedCount() int { return len(s.queued) }

// WindowStart returns the oldest sequence number still inside the window.
func (s *UnreliableSender) WindowStart() seq.Number { return s.windowStart }

// Sender is the common interface the connection's packet assembler drives,
// satisfied by both UnreliableSender and ReliableSender.
type Sender interface {
	Enqueue(payload []byte) bool
	Tick(now time.Time, send SendFunc)
	ReceiveAck(ack seq.Number, now time.Time, send SendFunc)
	QueuedCount() int
	AllowedSends() int
	WindowStart() seq.Number
}

// storedEntry is one slot of a reliable sender's retransmission ring.
type storedEntry struct {
	payload   []byte
	seqNr     seq.Number
	lastSent  time.Time
	sendCount int
}

// ReliableSender implements spec.md §4.5's reliable sender: store-until-ack
// plus delay-based and hole-based retransmission.
type ReliableSender struct {
	windowSize  int
	windowStart seq.Number
	nextSend    seq.Number
	queued      [][]byte
	ring        []*storedEntry
	acked       *ackSet
	resendDelay time.Duration

	DelayResends int
	HoleResends  int
}

// NewReliableSender returns a reliable sender with the given window size
// and initial resend delay (refreshed later via SetResendDelay as RTT
// samples arrive).
func NewReliableSender(windowSize int, resendDelay time.Duration) *ReliableSender {
	return &ReliableSender{
		windowSize:  windowSize,
		ring:        make([]*storedEntry, windowSize),
		acked:       newAckSet(windowSize),
		resendDelay: resendDelay,
	}
}

// SetResendDelay updates the delay used for future delay-based resends;
// called whenever the connection's averageRTT estimate changes.
func (s *ReliableSender) SetResendDelay(d time.Duration) { s.resendDelay = d }

func (s *ReliableSender) inFlight() int {
	return (int(s.nextSend) - int(s.windowStart) + seq.Space) % seq.Space
}

// AllowedSends returns how many more messages may be assigned a sequence
// number right now without exceeding the window.
func (s *ReliableSender) AllowedSends() int {
	n := s.windowSize - s.inFlight()
	if n < 0 {
		return 0
	}
	return n
}

// Enqueue always accepts; reliable sends are never dropped for being over
// the window, only delayed.
func (s *ReliableSender) Enqueue(payload []byte) bool {
	s.queued = append(s.queued, payload)
	return true
}

// QueuedCount reports how many messages are waiting for a free window slot.
func (s *ReliableSender) QueuedCount() int { return len(s.queued) }

// InFlightCount reports how many sequence numbers are currently
// outstanding (sent, not yet acknowledged).
func (s *ReliableSender) InFlightCount() int { return s.inFlight() }

// WindowStart returns the oldest sequence number still unacknowledged.
func (s *ReliableSender) WindowStart() seq.Number { return s.windowStart }

// Tick retransmits any stored entry overdue for a delay-based resend, then
// fills the window from the queue.
func (s *ReliableSender) Tick(now time.Time, send SendFunc) {
	for _, e := range s.ring {
		if e == nil {
			continue
		}
		if now.Sub(e.lastSent) >= s.resendDelay {
			send(e.seqNr, e.payload)
			e.lastSent = now
			e.sendCount++
			s.DelayResends++
		}
	}
	for s.AllowedSends() > 0 && len(s.queued) > 0 {
		payload := s.queued[0]
		s.queued = s.queued[1:]
		n := s.nextSend
		s.nextSend = seq.Next(s.nextSend)
		idx := int(n) % s.windowSize
		s.ring[idx] = &storedEntry{payload: payload, seqNr: n, lastSent: now, sendCount: 1}
		send(n, payload)
	}
}

// holeResendThreshold is the fraction of resendDelay spec.md §4.5 requires
// a once-sent, never-resent sequence to have aged before a hole-ack
// triggers an early retransmit of it.
const holeResendThreshold = 0.35

// ReceiveAck handles an on-time ack (frees the slot, advances windowStart,
// then keeps advancing through any already-early-acked slots), an early ack
// (records it and walks back toward windowStart applying the hole-fill
// heuristic), or a late/duplicate ack (ignored).
func (s *ReliableSender) ReceiveAck(ack seq.Number, now time.Time, send SendFunc) {
	rel := seq.Relative(ack, s.windowStart)
	if rel < 0 {
		return
	}
	inFlightDist := seq.Relative(s.nextSend, s.windowStart)
	if rel > inFlightDist {
		return // ack for a sequence never sent; ignore defensively
	}
	if rel == 0 {
		idx := int(ack) % s.windowSize
		s.ring[idx] = nil
		s.windowStart = seq.Next(s.windowStart)
		for s.acked.isSet(s.windowStart) {
			s.acked.clear(s.windowStart)
			idx2 := int(s.windowStart) % s.windowSize
			s.ring[idx2] = nil
			s.windowStart = seq.Next(s.windowStart)
		}
		return
	}

	s.acked.set(ack)
	threshold := time.Duration(float64(s.resendDelay) * holeResendThreshold)
	for cur := seq.Add(ack, -1); ; cur = seq.Add(cur, -1) {
		idx := int(cur) % s.windowSize
		if e := s.ring[idx]; e != nil && e.seqNr == cur && e.sendCount == 1 && now.Sub(e.lastSent) >= threshold {
			send(cur, e.payload)
			e.lastSent = now
			e.sendCount++
			s.HoleResends++
		}
		if cur == s.windowStart {
			break
		}
	}
}
