// Package light implements the traffic light controller. Two lights, one
// per road, exchange their pending vehicles and each runs the same
// arbitration rule with its own role, so that at most one of them grants
// its gate at a time.
package light

import (
	"context"
	"crossing/actions"
	"crossing/metrics"
	"crossing/radio/comm"
	"crossing/radio/messages"
	"crossing/traffic"
	"crossing/util/config"
	"crossing/util/timer"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/looplab/fsm"
)

// Light states
const (
	Blink       = "blink"
	Negotiating = "negotiating"
	Green       = "green"
	Red         = "red"
	Settling    = "settling"
)

// Negotiation is what a light knows about the current exchange with its peer.
// Peer holds a value the peer sent that no decision has used yet; every
// decision consumes it. PeerNotified is set while the light waits for the
// answer to a value it sent first.
type Negotiation struct {
	Mine         traffic.Vehicle
	Peer         traffic.PeerVehicle
	PeerNotified bool
}

type Light struct {
	FSM *fsm.FSM

	addr   config.Address
	gate   config.Address
	peer   config.Address
	role   traffic.Role
	timing config.Timing

	neg  Negotiation
	sent traffic.Vehicle // value the peer is answering while PeerNotified

	served bool // Mine was granted during the current green hold
	phase  bool

	pending []actions.Action
	logger  hclog.Logger
	metrics *metrics.Node
}

func New(info config.NodeInfo, timing config.Timing, logger hclog.Logger, m *metrics.Node) *Light {
	l := &Light{
		addr:    info.Addr,
		gate:    info.Gate,
		peer:    info.PeerLight,
		role:    traffic.RoleOf(info.Priority),
		timing:  timing,
		logger:  logger.Named("light"),
		metrics: m,
	}

	l.FSM = fsm.NewFSM(
		Blink,
		fsm.Events{
			{Name: "negotiate", Src: []string{Blink, Settling, Negotiating, Green, Red}, Dst: Negotiating},
			{Name: "grant", Src: []string{Blink, Settling, Negotiating, Green, Red}, Dst: Green},
			{Name: "yield", Src: []string{Blink, Settling, Negotiating, Green, Red}, Dst: Red},
			{Name: "settle", Src: []string{Negotiating, Green, Red}, Dst: Settling},
			{Name: "blink", Src: []string{Settling}, Dst: Blink},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.logger.Info("state change", "from", e.Src, "to", e.Dst,
					"mine", l.neg.Mine, "peer", l.neg.Peer)
				l.metrics.Transition("light", e.Dst)
			},
			"leave_blink": func(_ context.Context, _ *fsm.Event) {
				l.emit(actions.StopTimer{Timer: actions.BlinkTimer})
			},
			"leave_settling": func(_ context.Context, _ *fsm.Event) {
				l.emit(actions.StopTimer{Timer: actions.SettleTimer})
			},
			"leave_negotiating": func(_ context.Context, _ *fsm.Event) {
				l.emit(actions.StopTimer{Timer: actions.NegotiationTimer})
			},
			"leave_green": func(_ context.Context, _ *fsm.Event) {
				l.emit(actions.SetIndication{Lamp: actions.Red})
			},
		},
	)
	return l
}

func (l *Light) State() string {
	return l.FSM.Current()
}

func (l *Light) Negotiation() Negotiation {
	return l.neg
}

func (l *Light) Role() traffic.Role {
	return l.role
}

// Start puts the light in its idle caution indication.
func (l *Light) Start() []actions.Action {
	l.startBlinking()
	return l.flush()
}

// Receive handles a message from the reliable channel: a request from the
// paired gate or a notification from the peer light.
func (l *Light) Receive(from config.Address, msg messages.Message) []actions.Action {
	if msg.Type != messages.RequestOrNotify {
		l.logger.Warn("unexpected message ignored", "from", from, "msg", msg)
		return nil
	}
	switch from {
	case l.gate:
		l.gateRequest(msg.Vehicle)
	case l.peer:
		l.peerNotify(msg.Vehicle)
	default:
		l.logger.Warn("message from unexpected node ignored", "from", from, "msg", msg)
	}
	return l.flush()
}

func (l *Light) gateRequest(v traffic.Vehicle) {
	l.logger.Info("gate request", "vehicle", v, "state", l.State())
	l.neg.Mine = v
	l.served = false
	if l.neg.PeerNotified || l.holding() {
		// decided later, with whatever the peer already has
		return
	}
	l.advance()
}

// peerNotify pairs each peer value with exactly one of ours: it is either
// the answer to the value we sent, or the peer opening an exchange that we
// answer now or when the current hold ends.
func (l *Light) peerNotify(v traffic.Vehicle) {
	l.logger.Debug("peer notification", "vehicle", v, "state", l.State(), "notified", l.neg.PeerNotified)
	if l.neg.PeerNotified {
		l.decide(l.sent, v)
		return
	}
	if v == traffic.None {
		// nothing pending on the peer side and no answer expected
		return
	}
	l.neg.Peer = traffic.Known(v)
	if l.holding() {
		return
	}
	l.advance()
}

// Timeout handles the expiry of one of the light's timers.
func (l *Light) Timeout(id timer.ID) []actions.Action {
	switch id {
	case actions.BlinkTimer:
		if l.State() == Blink {
			l.phase = !l.phase
			l.emit(l.caution())
			l.emit(actions.BlinkTicked{})
			l.emit(actions.StartTimer{Timer: actions.BlinkTimer, After: l.timing.Blink})
		}

	case actions.SettleTimer:
		if l.State() == Settling {
			l.neg = Negotiation{}
			l.fire("blink")
			l.startBlinking()
		}

	case actions.HoldTimer:
		l.holdExpired()

	case actions.NegotiationTimer:
		if l.State() == Negotiating {
			l.logger.Warn("no answer from peer, abandoning negotiation", "peer", l.peer, "sent", l.sent)
			l.abandon()
		}
	}
	return l.flush()
}

func (l *Light) holdExpired() {
	switch l.State() {
	case Green:
		if l.served {
			l.neg.Mine = traffic.None
			l.served = false
		}
	case Red:
	default:
		return
	}
	l.advance()
}

// SendDone handles the outcome of a reliable send. A notification that
// never reached the peer ends the negotiation with the light red; a grant
// that never reached the gate is left to the gate's own timeout.
func (l *Light) SendDone(o comm.Outcome) []actions.Action {
	if o.Result != comm.TimedOut {
		return nil
	}
	if o.To == l.gate {
		l.logger.Warn("grant not acknowledged by gate", "gate", l.gate, "attempts", o.Attempts)
		return nil
	}
	if o.To != l.peer {
		return nil
	}
	switch l.State() {
	case Negotiating, Green:
		l.logger.Warn("peer unreachable, abandoning negotiation", "peer", l.peer, "attempts", o.Attempts)
		l.abandon()
	default:
		l.logger.Warn("notification not acknowledged by peer", "peer", l.peer, "state", l.State())
	}
	return l.flush()
}

// advance moves the negotiation forward outside of a green or red hold.
func (l *Light) advance() {
	if theirs, ok := l.neg.Peer.Get(); ok {
		l.emit(actions.Send{To: l.peer, Msg: messages.NewRequest(l.neg.Mine)})
		l.decide(l.neg.Mine, theirs)
		return
	}
	if l.neg.Mine == traffic.None {
		l.settle()
		return
	}
	l.sent = l.neg.Mine
	l.neg.PeerNotified = true
	l.emit(actions.Send{To: l.peer, Msg: messages.NewRequest(l.sent)})
	l.fire("negotiate")
	l.emit(actions.StartTimer{Timer: actions.NegotiationTimer, After: l.timing.Negotiation})
}

// decide arbitrates one completed exchange. Both lights see the same pair
// of values, so exactly one of them grants.
func (l *Light) decide(mine, theirs traffic.Vehicle) {
	decision := traffic.Arbitrate(l.role, mine, traffic.Known(theirs))
	l.logger.Info("arbitrated", "role", l.role, "mine", mine, "peer", theirs, "decision", decision)
	l.neg.Peer = traffic.Unknown
	l.neg.PeerNotified = false
	if decision == traffic.GrantSelf {
		l.grant()
	} else {
		l.yield()
	}
}

// abandon ends a negotiation the peer never answered. The light fails
// closed: red for a hold, then idle.
func (l *Light) abandon() {
	l.neg = Negotiation{}
	l.served = false
	l.yield()
}

func (l *Light) grant() {
	l.emit(actions.Send{To: l.gate, Msg: messages.NewGrant()})
	l.metrics.Grant()
	l.fire("grant")
	l.served = true
	l.emit(actions.SetIndication{Lamp: actions.Green})
	l.emit(actions.StartTimer{Timer: actions.HoldTimer, After: l.timing.Hold})
}

func (l *Light) yield() {
	l.fire("yield")
	l.emit(actions.SetIndication{Lamp: actions.Red})
	l.emit(actions.StartTimer{Timer: actions.HoldTimer, After: l.timing.Hold})
}

func (l *Light) settle() {
	switch l.State() {
	case Blink, Settling:
		return
	}
	l.emit(actions.StopTimer{Timer: actions.HoldTimer})
	l.fire("settle")
	l.emit(actions.StartTimer{Timer: actions.SettleTimer, After: l.timing.Settle})
}

func (l *Light) startBlinking() {
	l.phase = false
	l.emit(l.caution())
	l.emit(actions.StartTimer{Timer: actions.BlinkTimer, After: l.timing.Blink})
}

func (l *Light) caution() actions.SetIndication {
	if l.phase {
		return actions.SetIndication{Lamp: actions.Red, Caution: true}
	}
	return actions.SetIndication{Lamp: actions.Green, Caution: true}
}

func (l *Light) holding() bool {
	s := l.State()
	return s == Green || s == Red
}

func (l *Light) fire(event string) {
	err := l.FSM.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		l.logger.Error("invalid transition", "event", event, "state", l.State(), "error", err)
	}
}

func (l *Light) emit(a actions.Action) {
	l.pending = append(l.pending, a)
}

func (l *Light) flush() []actions.Action {
	out := l.pending
	l.pending = nil
	return out
}
