package sip

import (
	"time"
)

// Server transaction FSMs, expressed as transition tables rather than a
// switch per state — see transaction_client_tx_fsm.go's header comment for
// the rationale; the per-state methods here are the server-side mirror.

// INVITE server FSM (RFC 3261 §17.2.1, Proceeding/Completed/Confirmed,
// Accepted added by RFC 6026 §7.1).
var inviteProceedingServerEdges = transitionTable[*ServerTx]{
	server_input_request:       {next: (*ServerTx).inviteStateProcceeding, action: (*ServerTx).actRespond},
	server_input_cancel:        {next: (*ServerTx).inviteStateProcceeding, action: (*ServerTx).actCancel},
	server_input_user_1xx:      {next: (*ServerTx).inviteStateProcceeding, action: (*ServerTx).actRespond},
	server_input_user_2xx:      {next: (*ServerTx).inviteStateAccepted, action: (*ServerTx).actRespondAccept},
	server_input_user_300_plus: {next: (*ServerTx).inviteStateCompleted, action: (*ServerTx).actRespondComplete},
	server_input_transport_err: {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actTransErr},
}

func (tx *ServerTx) inviteStateProcceeding(s fsmInput) fsmInput {
	return runTransition(tx, inviteProceedingServerEdges, s)
}

var inviteCompletedServerEdges = transitionTable[*ServerTx]{
	server_input_request:       {next: (*ServerTx).inviteStateCompleted, action: (*ServerTx).actRespond},
	server_input_ack:           {next: (*ServerTx).inviteStateConfirmed, action: (*ServerTx).actConfirm},
	server_input_timer_g:       {next: (*ServerTx).inviteStateCompleted, action: (*ServerTx).actRespondComplete},
	server_input_timer_h:       {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actDelete},
	server_input_transport_err: {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actTransErr},
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	return runTransition(tx, inviteCompletedServerEdges, s)
}

var inviteConfirmedServerEdges = transitionTable[*ServerTx]{
	server_input_timer_i: {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actDelete},
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	return runTransition(tx, inviteConfirmedServerEdges, s)
}

// https://www.rfc-editor.org/rfc/rfc6026#section-7.1
var inviteAcceptedServerEdges = transitionTable[*ServerTx]{
	server_input_ack:      {next: (*ServerTx).inviteStateAccepted, action: (*ServerTx).actPassupAck},
	server_input_user_2xx: {next: (*ServerTx).inviteStateAccepted, action: (*ServerTx).actRespond},
	server_input_timer_l:  {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actDelete},
}

func (tx *ServerTx) inviteStateAccepted(s fsmInput) fsmInput {
	return runTransition(tx, inviteAcceptedServerEdges, s)
}

var inviteTerminatedServerEdges = transitionTable[*ServerTx]{
	server_input_delete: {next: (*ServerTx).inviteStateTerminated, action: (*ServerTx).actDelete},
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	return runTransition(tx, inviteTerminatedServerEdges, s)
}

// Non-INVITE server FSM (RFC 3261 §17.2.2): Trying, Proceeding, Completed,
// Terminated.
var tryingServerEdges = transitionTable[*ServerTx]{
	server_input_user_1xx:      {next: (*ServerTx).stateProceeding, action: (*ServerTx).actRespond},
	server_input_user_2xx:      {next: (*ServerTx).stateCompleted, action: (*ServerTx).actFinal},
	server_input_user_300_plus: {next: (*ServerTx).stateCompleted, action: (*ServerTx).actFinal},
	server_input_transport_err: {next: (*ServerTx).stateTerminated, action: (*ServerTx).actTransErr},
}

func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	return runTransition(tx, tryingServerEdges, s)
}

var proceedingServerEdges = transitionTable[*ServerTx]{
	server_input_request:       {next: (*ServerTx).stateProceeding, action: (*ServerTx).actRespond},
	server_input_user_1xx:      {next: (*ServerTx).stateProceeding, action: (*ServerTx).actRespond},
	server_input_user_2xx:      {next: (*ServerTx).stateCompleted, action: (*ServerTx).actFinal},
	server_input_user_300_plus: {next: (*ServerTx).stateCompleted, action: (*ServerTx).actFinal},
	server_input_transport_err: {next: (*ServerTx).stateTerminated, action: (*ServerTx).actTransErr},
}

func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	return runTransition(tx, proceedingServerEdges, s)
}

var completedServerEdges = transitionTable[*ServerTx]{
	server_input_request:       {next: (*ServerTx).stateCompleted, action: (*ServerTx).actRespond},
	server_input_timer_j:       {next: (*ServerTx).stateTerminated, action: (*ServerTx).actDelete},
	server_input_transport_err: {next: (*ServerTx).stateTerminated, action: (*ServerTx).actTransErr},
}

func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	return runTransition(tx, completedServerEdges, s)
}

var terminatedServerEdges = transitionTable[*ServerTx]{
	server_input_delete: {next: (*ServerTx).stateTerminated, action: (*ServerTx).actDelete},
}

func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	return runTransition(tx, terminatedServerEdges, s)
}

func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	if !tx.reliable {
		if tx.retransmitExceeded(maxInviteRetransmits) {
			tx.log.Warn("final response retransmit cap exceeded", "tx", tx.Key())
			return server_input_timer_h
		}

		tx.mu.Lock()
		if tx.timer_g == nil {
			tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
				tx.spinFsm(server_input_timer_g)
			})
		} else {
			tx.timer_g_time *= 2
			if tx.timer_g_time > T2 {
				tx.timer_g_time = T2
			}

			tx.recordRetransmit("server")
			tx.timer_g.Reset(tx.timer_g_time)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsm(server_input_timer_h)
		})
	}
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) actRespondAccept() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.spinFsm(server_input_timer_l)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() fsmInput {
	tx.passAck()
	return FsmInputNone
}

// Send final response
func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-17.2.2
	//  When the server transaction enters the "Completed" state, it MUST set
	//    Timer J to fire in 64*T1 seconds for unreliable transports, and zero
	//    seconds for reliable transports.
	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(tx.timer_j_time, func() {
		tx.spinFsm(server_input_timer_j)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

// Inform user of transport error
func (tx *ServerTx) actTransErr() fsmInput {
	tx.log.Debug("Transport error. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return server_input_delete
}

// Inform user of timeout fsmError
func (tx *ServerTx) actTimeout() fsmInput {
	tx.log.Debug("Timed out. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return server_input_delete
}

// Just delete the transaction.
func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() fsmInput {
	tx.mu.Lock()

	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}

	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}

	// If transport is reliable this will be 0 and fire imediately
	tx.timer_i = time.AfterFunc(tx.timer_i_time, func() {
		tx.spinFsm(server_input_timer_i)
	})

	tx.mu.Unlock()

	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actCancel() fsmInput {
	r := tx.fsmCancel

	if r == nil {
		return FsmInputNone
	}

	tx.log.Debug("Passing 487 on CANCEL", "tx", tx.Key())
	tx.fsmResp = NewResponseFromRequest(tx.origin, StatusRequestTerminated, "Request Terminated", nil)
	tx.fsmErr = ErrTransactionCanceled // For now only informative

	// Check is there some listener on cancel
	tx.mu.Lock()
	onCancel := tx.onCancel
	tx.mu.Unlock()
	if onCancel != nil {
		onCancel(r)
	}

	return server_input_user_300_plus
}

func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}

	tx.ackSendAsync(r)
}

func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp

	if lastResp == nil {
		// We may have received multiple request but without any response
		// placed yet in transaction
		return nil
	}

	err := tx.conn.WriteMsg(lastResp)
	if err != nil {
		tx.log.Debug("fail to pass response", "error", err, "res", lastResp.StartLine(), "tx", tx.Key())
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
