package sip

type fsmInput int
type fsmState func() fsmInput
type fsmContextState func(s fsmInput) fsmInput

// fsmHost is implemented by every transaction type that drives one of the
// transition tables below (ClientTx, ServerTx). It lets runTransition swap
// the context's current state function without each FSM file re-deriving
// its own dispatch loop.
type fsmHost interface {
	setFsmState(fsmContextState)
}

// edge is one (state, input) -> (next state, action) entry of a transaction
// FSM, expressed as data rather than a branch of a switch statement. This
// mirrors the validTransitions table pattern used for simpler state
// machines elsewhere in this codebase, scaled up to also carry the side
// effect (action) that runs on the edge.
type edge[T fsmHost] struct {
	next   func(T, fsmInput) fsmInput
	action func(T) fsmInput
}

// transitionTable maps the inputs valid in one FSM state to their edges.
// An input absent from the table is invalid in that state and leaves it
// unchanged (fsmInput zero value, FsmInputNone, is returned).
type transitionTable[T fsmHost] map[fsmInput]edge[T]

// runTransition is the single generic dispatcher every per-state method in
// transaction_client_tx_fsm.go / transaction_server_tx_fsm.go delegates to.
// It looks up s in table, rebinds the host's current state to the edge's
// next state, and runs the edge's action.
func runTransition[T fsmHost](tx T, table transitionTable[T], s fsmInput) fsmInput {
	e, ok := table[s]
	if !ok {
		return FsmInputNone
	}
	tx.setFsmState(func(in fsmInput) fsmInput { return e.next(tx, in) })
	return e.action(tx)
}

// FSM States
const (
	client_state_calling = iota
	client_state_proceeding
	client_state_completed
	client_state_accepted
	client_state_terminated
)

// FSM States
const (
	server_state_trying = iota
	server_state_proceeding
	server_state_completed
	server_state_confirmed
	server_state_accepted
	server_state_terminated
)

// FSM Inputs
const (
	FsmInputNone fsmInput = iota
	// Server transaction inputs
	server_input_request
	server_input_ack
	server_input_cancel
	server_input_user_1xx
	server_input_user_2xx
	server_input_user_300_plus
	server_input_timer_g
	server_input_timer_h
	server_input_timer_i
	server_input_timer_j
	server_input_timer_l
	server_input_transport_err
	server_input_delete
	// Client transactions inputs
	client_input_1xx
	client_input_2xx
	client_input_300_plus
	client_input_timer_a
	client_input_timer_b
	client_input_timer_d
	client_input_timer_m
	client_input_transport_err
	client_input_delete
	client_input_cancel
	client_input_canceled
)

// fsmInputNames backs fsmString with a lookup table instead of a switch,
// consistent with the transition tables above.
var fsmInputNames = map[fsmInput]string{
	FsmInputNone:                "none",
	server_input_request:        "server_input_request",
	server_input_ack:            "server_input_ack",
	server_input_cancel:         "server_input_cancel",
	server_input_user_1xx:       "server_input_user_1xx",
	server_input_user_2xx:       "server_input_user_2xx",
	server_input_user_300_plus:  "server_input_user_300_plus",
	server_input_timer_g:        "server_input_timer_g",
	server_input_timer_h:        "server_input_timer_h",
	server_input_timer_i:        "server_input_timer_i",
	server_input_timer_j:        "server_input_timer_j",
	server_input_timer_l:        "server_input_timer_l",
	server_input_transport_err:  "server_input_transport_err",
	server_input_delete:         "server_input_delete",
	client_input_1xx:            "client_input_1xx",
	client_input_2xx:            "client_input_2xx",
	client_input_300_plus:       "client_input_300_plus",
	client_input_timer_a:        "client_input_timer_a",
	client_input_timer_b:        "client_input_timer_b",
	client_input_timer_d:        "client_input_timer_d",
	client_input_timer_m:        "client_input_timer_m",
	client_input_transport_err:  "client_input_transport_err",
	client_input_delete:         "client_input_delete",
	client_input_cancel:         "client_input_cancel",
	client_input_canceled:       "client_input_canceled",
}

func fsmString(f fsmInput) string {
	if name, ok := fsmInputNames[f]; ok {
		return name
	}
	return "unknown transaction state"
}
