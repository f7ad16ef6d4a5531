package reliudp

// ConnectionApprovalEvent is raised on the inbound queue when a Connect
// arrives and the peer opted into connection approval (spec.md §4.7:
// "if application opted in for approval, raise an approval event"). The
// application must call Accept or Deny; until then the candidate stays in
// RespondedAwaitingApproval.
type ConnectionApprovalEvent struct {
	conn     *Connection
	hail     []byte
	decided  bool
	approved bool
}

// Hail returns the optional payload the connecting peer attached to its
// Connect message.
func (e *ConnectionApprovalEvent) Hail() []byte { return e.hail }

// Connection returns the candidate connection awaiting a decision.
func (e *ConnectionApprovalEvent) Connection() *Connection { return e.conn }

// Accept moves the candidate connection into RespondedConnect and sends
// ConnectResponse.
func (e *ConnectionApprovalEvent) Accept() {
	if e.decided {
		return
	}
	e.decided = true
	e.approved = true
	e.conn.peer.completeHandshakeAccept(e.conn)
}

// Deny rejects the candidate, sending a Disconnect with reason and
// removing it from the peer's connection map.
func (e *ConnectionApprovalEvent) Deny(reason string) {
	if e.decided {
		return
	}
	e.decided = true
	e.approved = false
	e.conn.peer.completeHandshakeDeny(e.conn, reason)
}
