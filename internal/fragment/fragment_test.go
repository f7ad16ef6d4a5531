package fragment_test

import (
	"testing"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/reliudp/reliudp/internal/fragment"
	"github.com/stretchr/testify/require"
)

// Scenario S3: header round-trip and size formula.
func TestScenarioS3(t *testing.T) {
	h := fragment.Header{Group: 7, TotalBits: 100000, ChunkByteSize: 1200, ChunkIndex: 5}

	buf := bitbuf.New(16)
	h.Encode(buf)
	r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
	got, err := fragment.DecodeHeader(r)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, buf.BitLength()/8, h.EncodedSize())
}

// Property 10: reassembly succeeds with all chunks in any order, and never
// delivers with one missing.
func TestReassemblyAnyOrder(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	const chunkSize = 512
	chunks := fragment.Split(payload, chunkSize)

	order := []int{3, 1, 0, 4, 2, 5, 6, 7, 8, 9}
	order = order[:len(chunks)]

	r := fragment.NewReassembler()
	var result []byte
	var complete bool
	for i, idx := range order {
		h := fragment.Header{Group: 1, TotalBits: uint32(len(payload)) * 8, ChunkByteSize: chunkSize, ChunkIndex: uint32(idx)}
		result, complete = r.Receive(h, chunks[idx])
		if i < len(order)-1 {
			require.False(t, complete)
		}
	}
	require.True(t, complete)
	require.Equal(t, payload, result)
	require.Equal(t, 0, r.PendingGroups())
}

func TestReassemblyMissingChunkNeverDelivers(t *testing.T) {
	payload := make([]byte, 3000)
	const chunkSize = 512
	chunks := fragment.Split(payload, chunkSize)

	r := fragment.NewReassembler()
	for idx, c := range chunks {
		if idx == 2 {
			continue // simulate one missing chunk
		}
		h := fragment.Header{Group: 9, TotalBits: uint32(len(payload)) * 8, ChunkByteSize: chunkSize, ChunkIndex: uint32(idx)}
		_, complete := r.Receive(h, c)
		require.False(t, complete)
	}
	require.Equal(t, 1, r.PendingGroups())
}

func TestDuplicateChunkOverwritesIdempotently(t *testing.T) {
	payload := []byte("hello fragmented world, this is a test payload")
	const chunkSize = 8
	chunks := fragment.Split(payload, chunkSize)

	r := fragment.NewReassembler()
	var result []byte
	var complete bool
	for idx, c := range chunks {
		h := fragment.Header{Group: 4, TotalBits: uint32(len(payload)) * 8, ChunkByteSize: chunkSize, ChunkIndex: uint32(idx)}
		result, complete = r.Receive(h, c)
		// re-deliver the same chunk again; must not break completion count
		result, complete = r.Receive(h, c)
	}
	require.True(t, complete)
	require.Equal(t, payload, result)
}

func TestChooseChunkSizeRespectsMTU(t *testing.T) {
	const mtu = 512
	const baseHeader = 5
	size := fragment.ChooseChunkSize(mtu, baseHeader, 1, 100000)
	h := fragment.Header{Group: 1, TotalBits: 100000, ChunkByteSize: size, ChunkIndex: fragment.ChunkCount(100000, size)}
	require.LessOrEqual(t, h.EncodedSize()+int(size)+baseHeader, mtu)
}
