package sipua

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipwire/sipua/sip"
	"sync/atomic"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
	ErrDialogUnauthorized    = errors.New("Dialog unauthorized")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

// Dialog tracks RFC 3261 section 12 dialog state shared by the UAC and UAS
// session wrappers (DialogClientSession, DialogServerSession).
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. Treat as read only;
	// use the session methods to change headers on subsequent requests.
	InviteRequest *sip.Request

	// InviteResponse is the last (usually final) response received or sent.
	// Treat as read only.
	InviteResponse *sip.Response

	// lastCSeqNo is the CSeq of the last request sent/received within the
	// dialog, used to build the next subsequent request.
	lastCSeqNo uint32

	state   atomic.Int32
	stateCh chan sip.DialogState
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		return
	}

	if d.stateCh != nil {
		select {
		case d.stateCh <- s:
		default:
		}
	}

	if s == sip.DialogStateEnded {
		if d.done != nil {
			close(d.done)
		}
		if d.cancel != nil {
			d.cancel()
		}
	}
}

// LoadState returns the current dialog state.
func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

// StateRead returns a channel receiving every dialog state transition.
func (d *Dialog) StateRead() <-chan sip.DialogState {
	return d.stateCh
}

// CSEQ returns the last CSeq number used within the dialog.
func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo
}

// Context is canceled once the dialog reaches DialogStateEnded.
func (d *Dialog) Context() context.Context {
	return d.ctx
}
