package reliudp

import (
	"time"
)

// beginConnect drives the client side of spec.md §4.7: None ->
// InitiatedConnect, sending the first Connect datagram.
func (c *Connection) beginConnect(now time.Time, appID string, hail []byte) {
	c.mu.Lock()
	c.appID = appID
	c.hail = hail
	c.status = StatusInitiatedConnect
	c.handshakeAttempts = 1
	c.handshakeDeadline = now.Add(c.peer.config.ResendHandshakeInterval)
	c.mu.Unlock()

	c.sendConnect(now)
}

func (c *Connection) sendConnect(now time.Time) {
	payload := encodeHandshakeHello(handshakeHello{
		AppID:      c.appID,
		UniqueID:   c.uniqueID,
		RemoteTime: now.Sub(c.peer.startTime),
		Hail:       c.hail,
	})
	c.assembler.queueMessage(c, TypeConnect, 0, payload, nil)
	c.assembler.flush(c)
}

func (c *Connection) sendConnectResponse(now time.Time) {
	payload := encodeHandshakeHello(handshakeHello{
		AppID:      c.peer.config.AppIdentifier,
		UniqueID:   c.uniqueID,
		RemoteTime: now.Sub(c.peer.startTime),
	})
	c.assembler.queueMessage(c, TypeConnectResponse, 0, payload, nil)
	c.assembler.flush(c)
}

func (c *Connection) sendConnectionEstablished(now time.Time) {
	payload := encodeHandshakeEstablished(handshakeEstablished{RemoteTime: now.Sub(c.peer.startTime)})
	c.assembler.queueMessage(c, TypeConnectionEstablished, 0, payload, nil)
	c.assembler.flush(c)
}

// enterConnected finalizes the handshake on either side: initializes ping,
// timeout deadline and MTU probing (spec.md §4.7).
func (c *Connection) enterConnected(now time.Time) {
	c.mu.Lock()
	c.timeoutDeadline = now.Add(c.peer.config.ConnectionTimeout)
	jitter := 0.25 + 0.75*pseudoJitter(c.traceID)
	c.nextPingDue = now.Add(time.Duration(float64(c.peer.config.PingInterval) * jitter))
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.scheduleFirstProbe(now)
}

// pseudoJitter derives a stable value in [0,1) from the connection's trace
// ID so the initial ping jitter does not depend on a process-wide random
// number generator (spec.md §1 excludes RNG subsystems from the core).
func pseudoJitter(traceID string) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(traceID); i++ {
		h ^= uint32(traceID[i])
		h *= 16777619
	}
	return float64(h%1000) / 1000.0
}

// handleHandshakeTimer resends the appropriate handshake datagram when no
// progress has been made for resendHandshakeInterval, disconnecting after
// maximumHandshakeAttempts (spec.md §4.7).
func (c *Connection) handleHandshakeTimer(now time.Time) {
	c.mu.RLock()
	status := c.status
	deadline := c.handshakeDeadline
	c.mu.RUnlock()

	switch status {
	case StatusInitiatedConnect, StatusRespondedConnect:
	default:
		return
	}
	if now.Before(deadline) {
		return
	}

	c.mu.Lock()
	c.handshakeAttempts++
	attempts := c.handshakeAttempts
	c.handshakeDeadline = now.Add(c.peer.config.ResendHandshakeInterval)
	c.mu.Unlock()

	if attempts > c.peer.config.MaximumHandshakeAttempts {
		c.peer.notifyError(c, ErrHandshakeTimeout)
		c.requestDisconnect("no response from remote host")
		return
	}

	switch status {
	case StatusInitiatedConnect:
		c.sendConnect(now)
	case StatusRespondedConnect:
		c.sendConnectResponse(now)
	}
}

// handleConnect processes an incoming Connect on the server side (spec.md
// §4.7): None -> ReceivedInitiation, validate appId, then either raise an
// approval event or respond immediately.
func (c *Connection) handleConnect(now time.Time, hello handshakeHello) {
	if c.Status() != StatusNone {
		return
	}
	c.mu.Lock()
	c.status = StatusReceivedInitiation
	c.appID = hello.AppID
	c.uniqueID = hello.UniqueID
	c.hail = hello.Hail
	c.mu.Unlock()

	if hello.AppID != c.peer.config.AppIdentifier {
		c.peer.notifyError(c, ErrAppIDMismatch)
		c.requestDisconnect("wrong application identifier")
		return
	}

	if c.peer.approver != nil {
		c.setStatus(StatusRespondedAwaitingApproval)
		c.peer.deliverApproval(&ConnectionApprovalEvent{conn: c, hail: hello.Hail})
		return
	}

	c.setStatus(StatusRespondedConnect)
	c.mu.Lock()
	c.handshakeDeadline = now.Add(c.peer.config.ResendHandshakeInterval)
	c.mu.Unlock()
	c.sendConnectResponse(now)
}

// handleConnectResponse processes the client side's receipt of
// ConnectResponse: validate, move to Connected, send
// ConnectionEstablished.
func (c *Connection) handleConnectResponse(now time.Time, hello handshakeHello) {
	if c.Status() != StatusInitiatedConnect {
		return
	}
	if hello.AppID != c.peer.config.AppIdentifier {
		c.peer.notifyError(c, ErrAppIDMismatch)
		c.requestDisconnect("wrong application identifier")
		return
	}
	c.sendConnectionEstablished(now)
	c.enterConnected(now)
}

// handleConnectionEstablished processes the server side's receipt of
// ConnectionEstablished: move to Connected, initialize clock offset.
func (c *Connection) handleConnectionEstablished(now time.Time, est handshakeEstablished) {
	if c.Status() != StatusRespondedConnect {
		return
	}
	c.mu.Lock()
	localNow := now.Sub(c.peer.startTime)
	c.remoteClockOffset = est.RemoteTime - localNow
	c.mu.Unlock()
	c.enterConnected(now)
}

func (c *Connection) handleDisconnect(reason string) {
	c.peer.notifyStatusChanged(c, StatusDisconnecting)
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
	c.releaseOutgoingMessages()
	c.peer.notifyStatusChanged(c, StatusDisconnected)
	c.peer.removeConnection(c)
}

// handlePing echoes a Pong carrying the original ping number and this
// side's current timestamp (spec.md §4.7).
func (c *Connection) handlePing(now time.Time, nr uint8) {
	payload := encodePong(nr, now.Sub(c.peer.startTime))
	c.assembler.queueMessage(c, TypePong, 0, payload, nil)
}

// handlePong updates RTT, clock offset and the timeout deadline when the
// echoed number matches the last ping sent (spec.md §4.7).
func (c *Connection) handlePong(now time.Time, nr uint8, senderNow time.Duration) {
	c.mu.Lock()
	if nr != c.lastPingNr {
		c.mu.Unlock()
		return
	}
	rtt := now.Sub(c.lastPingSent)
	if !c.rttInitialized {
		c.averageRTT = rtt
		c.rttInitialized = true
	} else {
		c.averageRTT = time.Duration(0.7*float64(c.averageRTT) + 0.3*float64(rtt))
	}
	localNow := now.Sub(c.peer.startTime)
	observedOffset := senderNow - localNow - rtt/2
	c.pingCount++
	weight := 1.0 / float64(c.pingCount)
	c.remoteClockOffset = time.Duration((1-weight)*float64(c.remoteClockOffset) + weight*float64(observedOffset))
	c.timeoutDeadline = now.Add(c.peer.config.ConnectionTimeout)
	avgRTT := c.averageRTT
	c.mu.Unlock()

	c.refreshResendDelay()
	c.peer.notifyLatencyUpdated(c, avgRTT)
}
