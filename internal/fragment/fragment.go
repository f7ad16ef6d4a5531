// Package fragment implements the fragmentation codec and reassembly
// bookkeeping for messages larger than the current path MTU (spec.md §4.3,
// §4.10).
package fragment

import "github.com/reliudp/reliudp/internal/bitbuf"

// Header is the four-field variable-length fragment header attached to
// every fragment payload.
type Header struct {
	Group         uint32
	TotalBits     uint32
	ChunkByteSize uint32
	ChunkIndex    uint32
}

// Encode writes the header as four unsigned varints, in field order.
func (h Header) Encode(buf *bitbuf.Buffer) {
	buf.WriteVarUint32(h.Group)
	buf.WriteVarUint32(h.TotalBits)
	buf.WriteVarUint32(h.ChunkByteSize)
	buf.WriteVarUint32(h.ChunkIndex)
}

// DecodeHeader is the inverse of Encode.
func DecodeHeader(buf *bitbuf.Buffer) (Header, error) {
	var h Header
	var err error
	if h.Group, err = buf.ReadVarUint32(); err != nil {
		return Header{}, err
	}
	if h.TotalBits, err = buf.ReadVarUint32(); err != nil {
		return Header{}, err
	}
	if h.ChunkByteSize, err = buf.ReadVarUint32(); err != nil {
		return Header{}, err
	}
	if h.ChunkIndex, err = buf.ReadVarUint32(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// EncodedSize returns the byte size Encode would produce for this header.
func (h Header) EncodedSize() int {
	return bitbuf.VarUint32Size(h.Group) + bitbuf.VarUint32Size(h.TotalBits) +
		bitbuf.VarUint32Size(h.ChunkByteSize) + bitbuf.VarUint32Size(h.ChunkIndex)
}

func ceilDivU32(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ChunkCount returns the number of chunks a message of totalBits splits
// into at chunkByteSize bytes per chunk.
func ChunkCount(totalBits, chunkByteSize uint32) uint32 {
	return ceilDivU32(totalBits, chunkByteSize*8)
}

// ChooseChunkSize picks the largest chunk byte size such that
// chunkSize + headerSize + baseDatagramHeader <= mtu, starting from an
// approximation (mtu - baseDatagramHeader) and decrementing until the
// constraint holds (spec.md §4.3).
func ChooseChunkSize(mtu, baseDatagramHeader int, group uint32, totalBits uint32) uint32 {
	candidate := mtu - baseDatagramHeader
	if candidate < 1 {
		candidate = 1
	}
	for candidate > 1 {
		chunkByteSize := uint32(candidate)
		count := ChunkCount(totalBits, chunkByteSize)
		h := Header{Group: group, TotalBits: totalBits, ChunkByteSize: chunkByteSize, ChunkIndex: count}
		if h.EncodedSize()+candidate+baseDatagramHeader <= mtu {
			return chunkByteSize
		}
		candidate--
	}
	return 1
}

// Split breaks payload into chunks of chunkByteSize bytes, the last one
// possibly shorter.
func Split(payload []byte, chunkByteSize uint32) [][]byte {
	totalBits := uint32(len(payload)) * 8
	count := ChunkCount(totalBits, chunkByteSize)
	chunks := make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		start := i * chunkByteSize
		end := start + chunkByteSize
		if end > uint32(len(payload)) {
			end = uint32(len(payload))
		}
		chunks[i] = payload[start:end]
	}
	return chunks
}

// group tracks the chunks received so far for one fragment group. Chunks
// are held only until the group is complete; a duplicate chunk overwrites
// idempotently.
type group struct {
	totalBits     uint32
	chunkByteSize uint32
	chunkCount    uint32
	chunks        map[uint32][]byte
}

func newGroup(totalBits, chunkByteSize uint32) *group {
	return &group{
		totalBits:     totalBits,
		chunkByteSize: chunkByteSize,
		chunkCount:    ChunkCount(totalBits, chunkByteSize),
		chunks:        make(map[uint32][]byte),
	}
}

func (g *group) add(index uint32, payload []byte) bool {
	g.chunks[index] = payload
	return uint32(len(g.chunks)) >= g.chunkCount
}

func (g *group) reassemble() []byte {
	out := make([]byte, 0, bitbuf.ByteLength(int(g.totalBits)))
	for i := uint32(0); i < g.chunkCount; i++ {
		out = append(out, g.chunks[i]...)
	}
	return out[:bitbuf.ByteLength(int(g.totalBits))]
}

// Reassembler tracks in-flight fragment groups for one sender. Groups never
// expire in the base design (spec.md §4.3); the caller owns the lifetime of
// the Reassembler itself (one per remote peer, destroyed with the
// connection).
type Reassembler struct {
	groups map[uint32]*group
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{groups: make(map[uint32]*group)}
}

// Receive records one fragment. It returns the reassembled payload and true
// once every chunk of its group has arrived; until then it returns
// (nil, false).
func (r *Reassembler) Receive(h Header, payload []byte) ([]byte, bool) {
	g, ok := r.groups[h.Group]
	if !ok {
		g = newGroup(h.TotalBits, h.ChunkByteSize)
		r.groups[h.Group] = g
	}
	if g.add(h.ChunkIndex, payload) {
		delete(r.groups, h.Group)
		return g.reassemble(), true
	}
	return nil, false
}

// PendingGroups reports how many fragment groups are awaiting completion,
// for diagnostics.
func (r *Reassembler) PendingGroups() int { return len(r.groups) }
