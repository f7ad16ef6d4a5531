package reliudp

import (
	"sync"
	"sync/atomic"

	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/reliudp/reliudp/internal/seq"
)

// fragmentHeaders records, per (method/channel, sequence), the fragment
// header that sequence's chunk must carry on every resend. Entries are
// never removed: a reliable sender may resend any in-flight sequence at
// any time, so the header must stay available for as long as that
// sequence could still be outstanding.
type fragmentHeaders struct {
	mu sync.Mutex
	m  map[channelKey]map[seq.Number]fragment.Header
}

func (f *fragmentHeaders) set(key channelKey, s seq.Number, h fragment.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[channelKey]map[seq.Number]fragment.Header)
	}
	if f.m[key] == nil {
		f.m[key] = make(map[seq.Number]fragment.Header)
	}
	f.m[key][s] = h
}

func (f *fragmentHeaders) get(key channelKey, s seq.Number) (fragment.Header, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		return fragment.Header{}, false
	}
	h, ok := f.m[key][s]
	return h, ok
}

// pendingFragmentHeaders is a per-channel FIFO of headers awaiting their
// first assignment to a sequence number. Reliable and unreliable senders
// both assign sequence numbers to queued payloads strictly in enqueue
// order, so the first send of each chunk pops exactly one header off this
// queue in the same order sendFragmented pushed them.
type pendingFragmentHeaders struct {
	mu sync.Mutex
	m  map[channelKey][]fragment.Header
}

func (p *pendingFragmentHeaders) push(key channelKey, h fragment.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[channelKey][]fragment.Header)
	}
	p.m[key] = append(p.m[key], h)
}

func (p *pendingFragmentHeaders) pop(key channelKey) (fragment.Header, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.m[key]
	if len(q) == 0 {
		return fragment.Header{}, false
	}
	h := q[0]
	p.m[key] = q[1:]
	return h, true
}

var globalFragmentGroup uint64

func nextFragmentGroup() uint32 {
	return uint32(atomic.AddUint64(&globalFragmentGroup, 1))
}

// sendFragmented splits an oversize payload into chunks per spec.md
// §4.3/§4.10, assigning every chunk the same fresh fragment group and
// enqueueing them in order on the selected channel.
func (c *Connection) sendFragmented(payload []byte, method DeliveryMethod, ch uint8) SendResult {
	mtu := c.CurrentMTU()
	group := nextFragmentGroup()
	totalBits := uint32(len(payload)) * 8
	chunkByteSize := fragment.ChooseChunkSize(mtu, baseHeaderSize, group, totalBits)
	chunks := fragment.Split(payload, chunkByteSize)

	sender := c.senderFor(method, ch)
	key := makeChannelKey(method, ch)

	for i, chunk := range chunks {
		header := fragment.Header{
			Group:         group,
			TotalBits:     totalBits,
			ChunkByteSize: chunkByteSize,
			ChunkIndex:    uint32(i),
		}
		if !sender.Enqueue(chunk) {
			return SendResultDropped
		}
		c.pendingFragHeaders.push(key, header)
	}
	return SendResultQueued
}
