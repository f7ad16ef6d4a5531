package reliudp

import (
	"sync"

	"github.com/reliudp/reliudp/internal/seq"
)

// bufferPool is the lock-guarded free-list for datagram-sized byte
// buffers (spec.md §5, "the message object pool and the byte-buffer pool
// are lock-guarded free-lists"). sync.Pool already serializes Get/Put
// internally; it stands in for the teacher's explicit mutex-guarded
// free-list.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *bufferPool) get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:cap(*b)]
}

func (p *bufferPool) put(b []byte) {
	p.pool.Put(&b)
}

// messagePool recycles OutgoingMessage shells, honoring Config's
// UseMessageRecycling toggle (spec.md §6). When recycling is disabled Get
// always allocates and Put is a no-op, matching the spec's "useMessageRecycling:
// bool" flag semantics.
type messagePool struct {
	enabled bool
	pool    sync.Pool
}

func newMessagePool(enabled bool) *messagePool {
	return &messagePool{
		enabled: enabled,
		pool: sync.Pool{
			New: func() interface{} { return &OutgoingMessage{} },
		},
	}
}

func (p *messagePool) get(payload []byte, method DeliveryMethod, channel uint8) *OutgoingMessage {
	if !p.enabled {
		return NewOutgoingMessage(payload, method, channel)
	}
	m := p.pool.Get().(*OutgoingMessage)
	*m = OutgoingMessage{payload: payload, method: method, channel: channel, recycle: 1}
	m.onRelease = func(released *OutgoingMessage) { p.put(released) }
	return m
}

func (p *messagePool) put(m *OutgoingMessage) {
	if !p.enabled {
		return
	}
	p.pool.Put(m)
}

// pendingOutgoingMessages is a per-channel FIFO of *OutgoingMessage whose
// payload has been enqueued on a sender but not yet assigned a sequence
// number. Senders assign sequence numbers to queued payloads strictly in
// enqueue order, so the first send of each payload pops exactly one
// message off this queue in the same order SendMessage pushed it,
// mirroring the fragment-header matching in fragmentation.go.
type pendingOutgoingMessages struct {
	mu sync.Mutex
	m  map[channelKey][]*OutgoingMessage
}

func (p *pendingOutgoingMessages) push(key channelKey, msg *OutgoingMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[channelKey][]*OutgoingMessage)
	}
	p.m[key] = append(p.m[key], msg)
}

func (p *pendingOutgoingMessages) pop(key channelKey) *OutgoingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.m[key]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	p.m[key] = q[1:]
	return msg
}

// drainAll removes and returns every still-queued message across every
// channel, for releasing their recycle references on connection teardown.
func (p *pendingOutgoingMessages) drainAll() []*OutgoingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*OutgoingMessage
	for key, q := range p.m {
		out = append(out, q...)
		delete(p.m, key)
	}
	return out
}

// outstandingOutgoingMessages records, per (channel, sequence), the
// *OutgoingMessage a reliable sender is still holding for retransmission.
// A completed ack releases the entries it frees; this is the "channel
// drop/complete-ack decrements" half of spec.md §5's reference-counting
// rule (enqueue's increment is the message's initial recycle count of 1,
// handed over by SendMessage).
type outstandingOutgoingMessages struct {
	mu sync.Mutex
	m  map[channelKey]map[seq.Number]*OutgoingMessage
}

func (o *outstandingOutgoingMessages) get(key channelKey, s seq.Number) (*OutgoingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.m[key][s]
	return msg, ok
}

func (o *outstandingOutgoingMessages) set(key channelKey, s seq.Number, msg *OutgoingMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.m == nil {
		o.m = make(map[channelKey]map[seq.Number]*OutgoingMessage)
	}
	if o.m[key] == nil {
		o.m[key] = make(map[seq.Number]*OutgoingMessage)
	}
	o.m[key][s] = msg
}

// takeRange removes and returns every message stored for a sequence in
// [from, to) on key, the range a sliding window just advanced past.
func (o *outstandingOutgoingMessages) takeRange(key channelKey, from, to seq.Number) []*OutgoingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	bucket := o.m[key]
	if bucket == nil {
		return nil
	}
	var out []*OutgoingMessage
	for cur := from; cur != to; cur = seq.Next(cur) {
		if msg, ok := bucket[cur]; ok {
			out = append(out, msg)
			delete(bucket, cur)
		}
	}
	return out
}

// drainAll removes and returns every still-outstanding message across
// every channel, for releasing their recycle references on connection
// teardown.
func (o *outstandingOutgoingMessages) drainAll() []*OutgoingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*OutgoingMessage
	for key, bucket := range o.m {
		for _, msg := range bucket {
			out = append(out, msg)
		}
		delete(o.m, key)
	}
	return out
}
