// Package gate implements the vehicle detection side of the intersection.
// A gate debounces its detector, classifies the arrival as a normal or an
// emergency vehicle, asks its light for right of way and cools down once
// the light grants it.
package gate

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

// Gate states
const (
	Idle              = "idle"
	Debouncing        = "debouncing"
	Holding           = "holding"
	AwaitingClearance = "awaiting_clearance"
	Cooldown          = "cooldown"
)

// Session is the request currently being built or served.
type Session struct {
	ID      int
	Vehicle traffic.Vehicle
}

type Gate struct {
	FSM *fsm.FSM

	addr    config.Address
	light   config.Address
	timing  config.Timing
	session Session

	coolingDown     bool
	debouncing      bool
	detectorEnabled bool

	pending []actions.Action
	logger  hclog.Logger
	metrics *metrics.Node
}

func New(info config.NodeInfo, timing config.Timing, logger hclog.Logger, m *metrics.Node) *Gate {
	g := &Gate{
		addr:    info.Addr,
		light:   info.Light,
		timing:  timing,
		logger:  logger.Named("gate"),
		metrics: m,
	}

	g.FSM = fsm.NewFSM(
		Idle,
		fsm.Events{
			{Name: "detect", Src: []string{Idle, Cooldown}, Dst: Debouncing},
			{Name: "hold", Src: []string{Debouncing}, Dst: Holding},
			{Name: "request", Src: []string{Debouncing, Holding}, Dst: AwaitingClearance},
			{Name: "clear", Src: []string{AwaitingClearance}, Dst: Cooldown},
			{Name: "reset", Src: []string{Cooldown}, Dst: Idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				g.logger.Info("state change", "from", e.Src, "to", e.Dst, "vehicle", g.session.Vehicle)
				g.metrics.Transition("gate", e.Dst)
			},
		},
	)
	return g
}

func (g *Gate) State() string {
	return g.FSM.Current()
}

func (g *Gate) Session() Session {
	return g.session
}

// Start enables the detector. Call once before feeding events.
func (g *Gate) Start() []actions.Action {
	g.setDetector(true)
	return g.flush()
}

// Detect handles one detector activation.
func (g *Gate) Detect() []actions.Action {
	if !g.detectorEnabled {
		g.logger.Trace("detection ignored, detector disabled", "state", g.State())
		return nil
	}

	switch g.State() {
	case Idle, Cooldown:
		g.session = Session{ID: g.session.ID + 1, Vehicle: traffic.Normal}
		g.debouncing = true
		g.fire("detect")
		g.emit(actions.StartTimer{Timer: actions.DebounceTimer, After: g.timing.Debounce})
		g.logger.Info("vehicle detected", "session", g.session.ID)

	case Debouncing:
		// second activation inside the window
		g.session.Vehicle = g.session.Vehicle.Escalate(traffic.Emergency)
		g.debouncing = false
		g.emit(actions.StopTimer{Timer: actions.DebounceTimer})
		g.logger.Info("emergency vehicle detected", "session", g.session.ID)
		g.finalise()
	}
	return g.flush()
}

// Timeout handles the expiry of one of the gate's timers.
func (g *Gate) Timeout(id timer.ID) []actions.Action {
	switch id {
	case actions.DebounceTimer:
		if g.State() == Debouncing && g.debouncing {
			g.debouncing = false
			g.finalise()
		}

	case actions.CooldownTimer:
		g.coolingDown = false
		switch g.State() {
		case Cooldown:
			g.session.Vehicle = traffic.None
			g.fire("reset")
		case Holding:
			g.request()
		}

	case actions.ClearanceTimer:
		if g.State() == AwaitingClearance {
			g.logger.Warn("no grant before clearance timeout, proceeding", "light", g.light, "session", g.session.ID)
			g.clear()
		}
	}
	return g.flush()
}

// Receive handles a message from the reliable channel.
func (g *Gate) Receive(from config.Address, msg messages.Message) []actions.Action {
	if from != g.light {
		g.logger.Warn("message from unexpected node ignored", "from", from, "msg", msg)
		return nil
	}
	if msg.Type != messages.Grant {
		g.logger.Warn("unexpected message ignored", "from", from, "msg", msg)
		return nil
	}
	if g.State() != AwaitingClearance {
		g.logger.Debug("late grant ignored", "state", g.State())
		return nil
	}
	g.logger.Info("grant received", "session", g.session.ID, "vehicle", g.session.Vehicle)
	g.clear()
	return g.flush()
}

// SendDone handles the outcome of a request sent to the light. A request
// that never got through is treated as granted: the gate does not keep a
// vehicle waiting on a light it cannot reach.
func (g *Gate) SendDone(o comm.Outcome) []actions.Action {
	if o.To != g.light || o.Msg.Type != messages.RequestOrNotify {
		return nil
	}
	if o.Result != comm.TimedOut || g.State() != AwaitingClearance {
		return nil
	}
	g.logger.Warn("request not acknowledged, proceeding without grant", "light", g.light, "attempts", o.Attempts)
	g.clear()
	return g.flush()
}

// finalise closes the debounce window. The request goes out at once
// unless the previous session is still cooling down.
func (g *Gate) finalise() {
	if g.coolingDown {
		g.setDetector(false)
		g.fire("hold")
		return
	}
	g.request()
}

func (g *Gate) request() {
	g.setDetector(false)
	g.fire("request")
	g.emit(actions.Send{To: g.light, Msg: messages.NewRequest(g.session.Vehicle)})
	g.emit(actions.StartTimer{Timer: actions.ClearanceTimer, After: g.timing.ClearanceTimeout})
}

// clear ends the request. The vehicle value stays until the cooldown ends.
func (g *Gate) clear() {
	g.emit(actions.StopTimer{Timer: actions.ClearanceTimer})
	g.fire("clear")
	g.coolingDown = true
	g.emit(actions.StartTimer{Timer: actions.CooldownTimer, After: g.timing.Cooldown})
	g.setDetector(true)
}

func (g *Gate) setDetector(enabled bool) {
	if g.detectorEnabled == enabled {
		return
	}
	g.detectorEnabled = enabled
	g.emit(actions.SetDetector{Enabled: enabled})
}

func (g *Gate) fire(event string) {
	err := g.FSM.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		g.logger.Error("invalid transition", "event", event, "state", g.State(), "error", err)
	}
}

func (g *Gate) emit(a actions.Action) {
	g.pending = append(g.pending, a)
}

func (g *Gate) flush() []actions.Action {
	out := g.pending
	g.pending = nil
	return out
}
