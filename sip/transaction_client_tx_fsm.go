package sip

import (
	"time"
)

// Client transaction FSMs, expressed as transition tables rather than a
// switch per state. Each table entry is the data equivalent of one "case"
// in the old dispatch: the next state method plus the action that runs on
// the edge. The per-state methods below are one-line adapters that hand
// the table to runTransition (transaction_fsm.go); the RFC 3261/6026
// semantics they encode are unchanged from the corresponding edges.

// INVITE client FSM (RFC 3261 §17.1.1.2, Calling/Proceeding/Completed
// updated by RFC 6026's Accepted state).
var inviteCallingEdges = transitionTable[*ClientTx]{
	client_input_1xx:           {next: (*ClientTx).inviteStateProcceeding, action: (*ClientTx).actInviteProceeding},
	client_input_2xx:           {next: (*ClientTx).inviteStateAccepted, action: (*ClientTx).actPassupAccept},
	client_input_300_plus:      {next: (*ClientTx).inviteStateCompleted, action: (*ClientTx).actInviteFinal},
	client_input_timer_a:       {next: (*ClientTx).inviteStateCalling, action: (*ClientTx).actInviteResend},
	client_input_timer_b:       {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actTimeout},
	client_input_transport_err: {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actTransErr},
}

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	return runTransition(tx, inviteCallingEdges, s)
}

var inviteProceedingEdges = transitionTable[*ClientTx]{
	client_input_1xx:           {next: (*ClientTx).inviteStateProcceeding, action: (*ClientTx).actPassup},
	client_input_2xx:           {next: (*ClientTx).inviteStateAccepted, action: (*ClientTx).actPassupAccept},
	client_input_300_plus:      {next: (*ClientTx).inviteStateCompleted, action: (*ClientTx).actInviteFinal},
	client_input_timer_b:       {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actTimeout},
	client_input_transport_err: {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actTransErr},
}

func (tx *ClientTx) inviteStateProcceeding(s fsmInput) fsmInput {
	return runTransition(tx, inviteProceedingEdges, s)
}

var inviteCompletedEdges = transitionTable[*ClientTx]{
	client_input_300_plus:      {next: (*ClientTx).inviteStateCompleted, action: (*ClientTx).actAckResend},
	client_input_transport_err: {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actTransErr},
	client_input_timer_d:       {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actDelete},
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	return runTransition(tx, inviteCompletedEdges, s)
}

// https://datatracker.ietf.org/doc/html/rfc6026#section-7.2
// Absorbs stray retransmissions of a 2xx after the ACK has already gone
// out, and survives a transport error that happens while sending that ACK
// instead of terminating outright (the INVITE retransmission that follows
// is the UAS's cue to resend the 2xx, which this state must still see).
var inviteAcceptedEdges = transitionTable[*ClientTx]{
	client_input_2xx:           {next: (*ClientTx).inviteStateAccepted, action: (*ClientTx).actPassupRetransmission},
	client_input_transport_err: {next: (*ClientTx).inviteStateAccepted, action: (*ClientTx).actTranErrNoDelete},
	client_input_timer_m:       {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actDelete},
}

func (tx *ClientTx) inviteStateAccepted(s fsmInput) fsmInput {
	if s == client_input_2xx {
		tx.log.Debug("retransimission 2xx detected", "tx", tx.Key())
	} else if s == client_input_transport_err {
		tx.log.Warn("client transport error detected. Waiting for retransmission", "tx", tx.Key())
	}
	return runTransition(tx, inviteAcceptedEdges, s)
}

var inviteTerminatedEdges = transitionTable[*ClientTx]{
	client_input_delete: {next: (*ClientTx).inviteStateTerminated, action: (*ClientTx).actDelete},
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	return runTransition(tx, inviteTerminatedEdges, s)
}

// Non-INVITE client FSM (RFC 3261 §17.1.2.2): Trying/Calling, Proceeding,
// Completed, Terminated. Reuses the generic Calling/Completed/Terminated
// state names of the package (stateCalling etc.) since they serve both
// roles depending on which table initFSM wires up.
var nonInviteCallingEdges = transitionTable[*ClientTx]{
	client_input_1xx:           {next: (*ClientTx).stateProceeding, action: (*ClientTx).actPassup},
	client_input_2xx:           {next: (*ClientTx).stateCompleted, action: (*ClientTx).actFinal},
	client_input_300_plus:      {next: (*ClientTx).stateCompleted, action: (*ClientTx).actFinal},
	client_input_timer_a:       {next: (*ClientTx).stateCalling, action: (*ClientTx).actResend},
	client_input_timer_b:       {next: (*ClientTx).stateTerminated, action: (*ClientTx).actTimeout},
	client_input_transport_err: {next: (*ClientTx).stateTerminated, action: (*ClientTx).actTransErr},
}

func (tx *ClientTx) stateCalling(s fsmInput) fsmInput {
	return runTransition(tx, nonInviteCallingEdges, s)
}

var nonInviteProceedingEdges = transitionTable[*ClientTx]{
	client_input_1xx:           {next: (*ClientTx).stateProceeding, action: (*ClientTx).actPassup},
	client_input_2xx:           {next: (*ClientTx).stateCompleted, action: (*ClientTx).actFinal},
	client_input_300_plus:      {next: (*ClientTx).stateCompleted, action: (*ClientTx).actFinal},
	client_input_timer_a:       {next: (*ClientTx).stateProceeding, action: (*ClientTx).actResend},
	client_input_timer_b:       {next: (*ClientTx).stateTerminated, action: (*ClientTx).actTimeout},
	client_input_transport_err: {next: (*ClientTx).stateTerminated, action: (*ClientTx).actTransErr},
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	return runTransition(tx, nonInviteProceedingEdges, s)
}

var nonInviteCompletedEdges = transitionTable[*ClientTx]{
	client_input_delete:  {next: (*ClientTx).stateTerminated, action: (*ClientTx).actDelete},
	client_input_timer_d: {next: (*ClientTx).stateTerminated, action: (*ClientTx).actDelete},
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	return runTransition(tx, nonInviteCompletedEdges, s)
}

var nonInviteTerminatedEdges = transitionTable[*ClientTx]{
	client_input_delete: {next: (*ClientTx).stateTerminated, action: (*ClientTx).actDelete},
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	return runTransition(tx, nonInviteTerminatedEdges, s)
}

// Actions. These run as the side effect of an edge and never branch on FSM
// state themselves; the table above already picked the right one.

func (tx *ClientTx) actInviteResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	tx.timer_a.Reset(tx.timer_a_time)
	tx.mu.Unlock()

	if tx.retransmitExceeded(maxInviteRetransmits) {
		tx.log.Warn("INVITE retransmit cap exceeded", "tx", tx.Key())
		return client_input_timer_b
	}

	tx.recordRetransmit("client")
	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	// For non-INVITE, cap timer A at T2 seconds.
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}

	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	if tx.retransmitExceeded(maxNonInviteRetransmits) {
		tx.log.Warn("non-INVITE retransmit cap exceeded", "tx", tx.Key())
		return client_input_timer_b
	}

	tx.recordRetransmit("client")
	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.ack()
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.spinFsm(client_input_timer_d)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) actFinal() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	if tx.timer_d_time > 0 {
		tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
			tx.spinFsm(client_input_timer_d)
		})
		return FsmInputNone
	}

	return client_input_delete
}

func (tx *ClientTx) actAckResend() fsmInput {
	// Detect ACK loop.
	// Case ACK sent and response is received
	if tx.fsmAck != nil {
		// ACK was sent. Now delay to prevent infinite loop as temporarly fix
		// This is not clear per RFC, but client could generate a lot requests in this case
		tx.log.Error("ACK loop retransimission. Resending after T2", "tx", tx.Key())
		select {
		case <-tx.done:
			return FsmInputNone
		case <-time.After(T2):
		}
	}
	tx.ack()

	return FsmInputNone
}

func (tx *ClientTx) actTransErr() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actTranErrNoDelete() fsmInput {
	tx.actTransErr()
	return FsmInputNone
}

func (tx *ClientTx) actTimeout() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.fsmPassUp()
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actPassupRetransmission() fsmInput {
	tx.passUpRetransmission()
	return FsmInputNone
}

func (tx *ClientTx) actPassupDelete() fsmInput {
	tx.fsmPassUp()
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actPassupAccept() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	tx.timer_m = time.AfterFunc(Timer_M, func() {
		tx.spinFsm(client_input_timer_m)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ClientTx) stopTimerA() {
	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) fsmPassUp() {
	lastResp := tx.fsmResp

	if lastResp == nil {
		return
	}

	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

func (tx *ClientTx) passUpRetransmission() {
	// RFC 6026 handling retransmissions
	lastResp := tx.fsmResp

	if lastResp == nil {
		return
	}

	// Only hook based should handle retransmission
	tx.mu.Lock()
	onResp := tx.onRetransmission
	tx.mu.Unlock()

	// To consider: passing via hook can be better to avoid deadlock
	if onResp != nil {
		tx.fsmMu.Unlock() // Avoids potential deadlock
		onResp(lastResp)
		tx.fsmMu.Lock()
		return
	}

	tx.log.Debug("skipped response. Retransimission", "tx", tx.Key())

	// Client probably left or not interested, so therefore we must not block here
	// For proxies they should handle this retransmission
}
