package bitbuf_test

import (
	"math"
	"strconv"
	"testing"

	"github.com/reliudp/reliudp/internal/bitbuf"
	"github.com/stretchr/testify/require"
)

func boolStr(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// TestScenarioS1 is spec.md's literal S1 scenario.
func TestScenarioS1(t *testing.T) {
	buf := bitbuf.New(16)
	buf.WriteBool(false)
	buf.WriteSignedBits(-3, 6)
	buf.WriteVarInt32(42)
	buf.WriteString("duke of earl")
	buf.WriteUint8(43)
	buf.WriteUint16(44)
	buf.WriteUint64(math.MaxUint64)
	buf.WriteBool(true)
	buf.Pad()

	r := bitbuf.FromBytes(buf.Data(), buf.BitLength())

	gotBool1, err := r.ReadBool()
	require.NoError(t, err)
	gotInt6, err := r.ReadSignedBits(6)
	require.NoError(t, err)
	gotVar, err := r.ReadVarInt32()
	require.NoError(t, err)
	gotStr, err := r.ReadString()
	require.NoError(t, err)
	gotU8, err := r.ReadUint8()
	require.NoError(t, err)
	gotU16, err := r.ReadUint16()
	require.NoError(t, err)
	gotU64, err := r.ReadUint64()
	require.NoError(t, err)
	gotBool2, err := r.ReadBool()
	require.NoError(t, err)

	require.Equal(t, false, gotBool1)
	require.Equal(t, int64(-3), gotInt6)
	require.Equal(t, int32(42), gotVar)
	require.Equal(t, "duke of earl", gotStr)
	require.Equal(t, uint8(43), gotU8)
	require.Equal(t, uint16(44), gotU16)
	require.Equal(t, uint64(math.MaxUint64), gotU64)
	require.Equal(t, true, gotBool2)

	concat := boolStr(gotBool1) + strconv.FormatInt(gotInt6, 10) + strconv.FormatInt(int64(gotVar), 10) +
		gotStr + strconv.FormatUint(uint64(gotU8), 10) + strconv.FormatUint(uint64(gotU16), 10) +
		strconv.FormatUint(gotU64, 10) + boolStr(gotBool2)
	require.Equal(t, "False-342duke of earl434418446744073709551615True", concat)
}

// Property 1: round-trip for every primitive, including all N and all
// representable values for signed N-bit.
func TestSignedBitsRoundTrip(t *testing.T) {
	for n := 1; n <= 64; n++ {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			t.Parallel()
			var lo, hi int64
			if n >= 64 {
				lo, hi = math.MinInt64, math.MaxInt64
			} else {
				hi = 1<<uint(n-1) - 1
				lo = -hi - 1
			}
			samples := []int64{lo, hi, 0}
			if lo+1 <= hi-1 {
				samples = append(samples, lo+1, hi-1)
			}
			for _, v := range samples {
				buf := bitbuf.New(16)
				buf.WriteSignedBits(v, n)
				r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
				got, err := r.ReadSignedBits(n)
				require.NoError(t, err)
				require.Equal(t, v, got, "n=%d v=%d", n, v)
			}
		})
	}
}

// Property 2: varint equivalence for i64, and known boundary sizes.
func TestVarIntEquivalenceI64(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 1000000, -1000000, math.MaxInt64, math.MinInt64}
	for _, v := range values {
		buf := bitbuf.New(16)
		buf.WriteVarInt64(v)
		written := buf.BitLength()
		r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
		got, err := r.ReadVarInt64()
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, written, r.BitPosition())
	}
}

func TestVarUintBoundarySizes(t *testing.T) {
	cases := []struct {
		v        uint32
		wantSize int
	}{
		{0, 1},
		{0x7F, 1},
		{0x80, 2},
		{0x3FFF, 2},
		{0x4000, 3},
		{math.MaxUint32, 5},
	}
	for _, c := range cases {
		buf := bitbuf.New(16)
		buf.WriteVarUint32(c.v)
		require.Equal(t, c.wantSize*8, buf.BitLength(), "v=%d", c.v)
		r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
		got, err := r.ReadVarUint32()
		require.NoError(t, err)
		require.Equal(t, c.v, got)
	}

	u64cases := []struct {
		v        uint64
		wantSize int
	}{
		{0, 1},
		{0x7F, 1},
		{0x80, 2},
		{0x3FFF, 2},
		{0x4000, 3},
		{math.MaxUint64, 10},
	}
	for _, c := range u64cases {
		buf := bitbuf.New(16)
		buf.WriteVarUint64(c.v)
		require.Equal(t, c.wantSize*8, buf.BitLength(), "v=%d", c.v)
		r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
		got, err := r.ReadVarUint64()
		require.NoError(t, err)
		require.Equal(t, c.v, got)
	}
}

// Property 2b: writeVar(-47) and writeVar(-49) each write exactly one byte
// (scenario S2).
func TestScenarioS2(t *testing.T) {
	buf := bitbuf.New(4)
	buf.WriteVarInt32(-47)
	firstLen := buf.BitLength()
	buf.WriteVarInt32(-49)
	totalLen := buf.BitLength()
	require.Equal(t, 8, firstLen)
	require.Equal(t, 16, totalLen)
}

// Property 3: string idempotence including non-BMP and the header padding
// rule when reserved and actual varint sizes differ.
func TestStringIdempotence(t *testing.T) {
	samples := []string{
		"",
		"a",
		"duke of earl",
		"héllo wörld",
		"\U0001F600\U0001F601\U0001F602", // non-BMP emoji, 4 bytes each in UTF-8
	}
	for _, s := range samples {
		buf := bitbuf.New(8)
		buf.WriteString(s)
		r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
		got, err := r.ReadString()
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestStringPaddingRuleAppliesWhenSizesDiffer(t *testing.T) {
	// 100 runes of a 1-byte ASCII char: maxByteCount = 100*4 = 400 (varint
	// size 2), actual byteCount = 100 (varint size 1) -- sizes differ, so
	// the padding path must produce a header occupying exactly 2 bytes yet
	// still decode to the correct byteCount.
	s := ""
	for i := 0; i < 100; i++ {
		s += "x"
	}
	buf := bitbuf.New(8)
	buf.WriteString(s)
	r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
	got, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, s, got)
}

// Property 4: bit-slice copy leaves adjacent dst bits untouched.
func TestBitSliceCopyLeavesNeighborsUntouched(t *testing.T) {
	src := []byte{0b10110101, 0b00001111}
	dst := []byte{0xFF, 0xFF, 0xFF}

	// Copy 10 bits from src bit offset 3 into dst bit offset 5.
	srcOffset, bitCount, dstOffset := 3, 10, 5

	w := bitbuf.New(4)
	w.WriteBitSlice(src, srcOffset, bitCount)
	r := bitbuf.FromBytes(w.Data(), w.BitLength())
	err := r.ReadBitSlice(dst, dstOffset, bitCount)
	require.NoError(t, err)

	for i := 0; i < bitCount; i++ {
		srcBit := src[(srcOffset+i)/8]&(1<<uint((srcOffset+i)%8)) != 0
		dstBit := dst[(dstOffset+i)/8]&(1<<uint((dstOffset+i)%8)) != 0
		require.Equal(t, srcBit, dstBit, "bit %d", i)
	}
	// Bits before dstOffset and after dstOffset+bitCount must be untouched
	// (still 1, from the 0xFF fill).
	for i := 0; i < dstOffset; i++ {
		require.True(t, dst[i/8]&(1<<uint(i%8)) != 0)
	}
	for i := dstOffset + bitCount; i < len(dst)*8; i++ {
		require.True(t, dst[i/8]&(1<<uint(i%8)) != 0)
	}
}

func TestReadPastEndOfMessageFails(t *testing.T) {
	buf := bitbuf.New(1)
	buf.WriteUint8(1)
	r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
	_, err := r.ReadUint16()
	require.ErrorIs(t, err, bitbuf.ErrEndOfMessage)
}

func TestFloatRoundTrip(t *testing.T) {
	buf := bitbuf.New(16)
	buf.WriteFloat32(3.5)
	buf.WriteFloat64(-2.25)
	r := bitbuf.FromBytes(buf.Data(), buf.BitLength())
	f32, err := r.ReadFloat32()
	require.NoError(t, err)
	f64, err := r.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, float32(3.5), f32)
	require.Equal(t, float64(-2.25), f64)
}
