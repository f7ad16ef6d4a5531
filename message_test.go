package reliudp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationTypeRoundTrip(t *testing.T) {
	for _, method := range []DeliveryMethod{Unreliable, UnreliableSequenced, ReliableUnordered, ReliableSequenced, ReliableOrdered} {
		for _, ch := range []uint8{0, 1, 31} {
			mt := ApplicationType(method, ch)
			require.True(t, mt.isApplication())
			gotMethod, gotCh := mt.methodAndChannel()
			require.Equal(t, method, gotMethod)
			require.Equal(t, ch, gotCh)
		}
	}
}

func TestIsReliable(t *testing.T) {
	require.False(t, ApplicationType(Unreliable, 0).isReliable())
	require.False(t, ApplicationType(UnreliableSequenced, 0).isReliable())
	require.True(t, ApplicationType(ReliableUnordered, 0).isReliable())
	require.True(t, ApplicationType(ReliableSequenced, 0).isReliable())
	require.True(t, ApplicationType(ReliableOrdered, 0).isReliable())
	require.False(t, TypePing.isReliable())
}

func TestOutgoingMessageRecycling(t *testing.T) {
	released := false
	m := NewOutgoingMessage([]byte("x"), ReliableOrdered, 0)
	m.onRelease = func(*OutgoingMessage) { released = true }

	require.False(t, m.Sent())
	m.markSent()
	require.True(t, m.Sent())

	m.retain() // recycle now at 2
	m.release()
	require.False(t, released, "still referenced once")
	m.release()
	require.True(t, released, "last reference released")
}

func TestMessagePoolDisabledAllocatesFresh(t *testing.T) {
	pool := newMessagePool(false)
	m1 := pool.get([]byte("a"), Unreliable, 0)
	pool.put(m1)
	m2 := pool.get([]byte("b"), Unreliable, 0)
	require.NotSame(t, m1, m2)
}

func TestMessagePoolEnabledRecyclesShell(t *testing.T) {
	pool := newMessagePool(true)
	m1 := pool.get([]byte("a"), Unreliable, 0)
	m1.release()
	m2 := pool.get([]byte("b"), Unreliable, 0)
	require.Same(t, m1, m2)
	require.Equal(t, []byte("b"), m2.payload)
}
