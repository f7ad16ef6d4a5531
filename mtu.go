package reliudp

import (
	"math"
	"time"

	"github.com/reliudp/reliudp/internal/bitbuf"
)

// mtuState tracks one connection's binary-search-like MTU discovery
// (spec.md §4.8).
type mtuState struct {
	started bool
	finalized bool

	largestSuccess  int
	smallestFailure int // 0 means "unknown"

	lastProbeSize int
	lastProbeTime time.Time
	nextProbeDue  time.Time

	failures int
}

func newMTUState() mtuState {
	return mtuState{largestSuccess: 512}
}

// scheduleFirstProbe arms the first probe per spec.md §4.8: "after
// entering Connected, schedule the first probe after expandInterval +
// averageRTT + 1.5s".
func (c *Connection) scheduleFirstProbe(now time.Time) {
	if !c.peer.config.AutoExpandMTU {
		return
	}
	rtt, ok := c.AverageRTT()
	if !ok {
		rtt = 100 * time.Millisecond
	}
	c.mu.Lock()
	c.mtuState.started = true
	c.mtuState.nextProbeDue = now.Add(c.peer.config.ExpandMTUFrequency + rtt + 1500*time.Millisecond)
	c.mu.Unlock()
}

// mtuHeartbeat drives one step of the probe loop (spec.md §4.8).
func (c *Connection) mtuHeartbeat(now time.Time) {
	c.mu.Lock()
	st := c.mtuState
	if !st.started || st.finalized {
		c.mu.Unlock()
		return
	}

	// timeout check for an outstanding probe: a silent loss, not a known
	// OS-level failure, so it only counts toward the fail-attempt budget
	// and never narrows smallestFailure (spec.md §4.8).
	if !st.lastProbeTime.IsZero() && now.After(st.lastProbeTime.Add(c.peer.config.ExpandMTUFrequency)) {
		st.failures++
		st.lastProbeTime = time.Time{}
		if c.shouldFinalizeLocked(&st) {
			c.mtuState = st
			c.mu.Unlock()
			return
		}
	}

	if now.Before(st.nextProbeDue) {
		c.mtuState = st
		c.mu.Unlock()
		return
	}

	next := nextProbeSize(st)
	if next == st.largestSuccess {
		st.finalized = true
		c.mtuState = st
		c.currentMTU = st.largestSuccess
		c.assembler.setMTU(c.currentMTU)
		c.mu.Unlock()
		return
	}

	st.nextProbeDue = now.Add(c.peer.config.ExpandMTUFrequency)
	c.mtuState = st
	c.mu.Unlock()

	if c.peer.sendRaw(c.remoteAddr, buildProbeDatagram(next)) {
		c.mu.Lock()
		c.mtuState.lastProbeSize = next
		c.mtuState.lastProbeTime = now
		c.mu.Unlock()
		return
	}

	// OS-level send failure: spec.md §4.8 requires marking smallestFailure
	// so the next probe bisects toward largestSuccess instead of growing
	// blindly, then either retrying smaller or finalizing.
	c.mu.Lock()
	c.mtuState.smallestFailure = next
	c.mtuState.failures++
	st = c.mtuState
	c.shouldFinalizeLocked(&st)
	c.mtuState = st
	c.mu.Unlock()
}

// shouldFinalizeLocked finalizes st (and, if finalizing, updates
// c.currentMTU/c.assembler) once the fail count reaches either the
// hard-coded 3-timeout bound or the configured ExpandMTUFailAttempts,
// whichever is hit first (spec.md §9's documented inconsistency: "the
// hard-coded 3 wins earliest"). Caller holds c.mu.
func (c *Connection) shouldFinalizeLocked(st *mtuState) bool {
	if st.failures < 3 && st.failures < int(c.peer.config.ExpandMTUFailAttempts) {
		return false
	}
	st.finalized = true
	c.currentMTU = st.largestSuccess
	c.assembler.setMTU(c.currentMTU)
	return true
}

func nextProbeSize(st mtuState) int {
	var next int
	if st.smallestFailure == 0 {
		next = int(float64(st.lastProbeSizeOrSuccess()) * 1.25)
	} else {
		next = (st.smallestFailure + st.largestSuccess) / 2
	}
	if next > maxMTUProbeSize {
		next = maxMTUProbeSize
	}
	return next
}

func (st mtuState) lastProbeSizeOrSuccess() int {
	if st.lastProbeSize > 0 {
		return st.lastProbeSize
	}
	return st.largestSuccess
}

// buildProbeDatagram encodes an MTU-Probe message padded to targetSize
// total bytes.
func buildProbeDatagram(targetSize int) []byte {
	fill := targetSize - baseHeaderSize
	if fill < 0 {
		fill = 0
	}
	msg := NewOutgoingMessage(make([]byte, fill), 0, 0)
	buf := bitbuf.New(targetSize)
	msg.encode(buf, 0, TypeMTUProbe)
	return buf.Data()[:msg.encodedSize()]
}

// handleMTUProbe replies to any MTU-probe datagram with MTU-Probe-Success
// carrying the observed size (spec.md §4.8).
func (c *Connection) handleMTUProbe(datagramSize int) {
	c.assembler.queueMessage(c, TypeMTUProbeSuccess, 0, encodeMTUProbeSuccess(datagramSize), nil)
	c.assembler.flush(c)
}

// handleMTUProbeSuccess processes the probe echo: on growth, raises
// currentMTU and keeps probing.
func (c *Connection) handleMTUProbeSuccess(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > c.mtuState.largestSuccess {
		c.mtuState.largestSuccess = size
	}
	c.mtuState.lastProbeTime = time.Time{}
	if size > c.currentMTU {
		c.currentMTU = size
		c.assembler.setMTU(c.currentMTU)
	}
}

// expectedProbeSteps returns ceil(log(cap/512)/log(1.25)), the bound
// spec.md Testable Property 11 requires MTU growth to converge within.
func expectedProbeSteps(cap int) int {
	if cap <= 512 {
		return 0
	}
	return int(math.Ceil(math.Log(float64(cap)/512) / math.Log(1.25)))
}
