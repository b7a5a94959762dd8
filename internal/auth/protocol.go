package auth

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/v2x/internal/pkg/util/fsm"
)

// Protocol states of one vehicle.
const (
	StateUnchallenged  = "unchallenged"
	StateNonceIssued   = "nonce_issued"
	StateAuthenticated = "authenticated"
	StateRejected      = "rejected"
)

const (
	eventIssue      = "event_issue"
	eventVerifyOK   = "event_verify_ok"
	eventVerifyFail = "event_verify_fail"
	eventReset      = "event_reset"
)

// protocol is the per-vehicle challenge state machine:
// unchallenged -> nonce_issued -> {authenticated | rejected} -> unchallenged.
type protocol struct {
	*fsm.FSM
}

func newProtocol() *protocol {
	p := &protocol{}

	events := fsm.Events{
		{Name: eventIssue, Src: []string{StateUnchallenged, StateNonceIssued}, Dst: StateNonceIssued},
		{Name: eventVerifyOK, Src: []string{StateNonceIssued}, Dst: StateAuthenticated},

		// A verification attempt without an outstanding challenge is still a
		// verdict.
		{Name: eventVerifyFail, Src: []string{StateUnchallenged, StateNonceIssued, StateAuthenticated, StateRejected}, Dst: StateRejected},

		{Name: eventReset, Src: []string{StateAuthenticated, StateRejected}, Dst: StateUnchallenged},
	}

	callbacks := fsm.Callbacks{
		// after_ callbacks also run on a self transition, so a re-issued
		// challenge is counted too.
		"after_" + eventIssue:      fsmutil.WrapEvent(p.afterIssue),
		"after_" + eventVerifyOK:   fsmutil.WrapEvent(p.afterVerdict),
		"after_" + eventVerifyFail: fsmutil.WrapEvent(p.afterVerdict),
	}

	p.FSM = fsm.NewFSM(StateUnchallenged, events, callbacks)
	return p
}

func (p *protocol) afterIssue(_ context.Context, _ *fsm.Event) error {
	metrics.NoncesIssued.Inc()
	return nil
}

func (p *protocol) afterVerdict(_ context.Context, e *fsm.Event) error {
	verdict, reason := "denied", ""
	if e.Event == eventVerifyOK {
		verdict = "authenticated"
	}
	if len(e.Args) > 0 {
		reason, _ = e.Args[0].(string)
	}
	metrics.AuthVerdicts.WithLabelValues(verdict, reason).Inc()
	return nil
}

// fire runs event and drops the benign errors of self and cancelled
// transitions.
func (p *protocol) fire(ctx context.Context, event string, args ...interface{}) error {
	if err := p.Event(ctx, event, args...); fsmutil.IsRealError(err) {
		return err
	}
	return nil
}
