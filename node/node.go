// Package node runs one mote of the intersection: a gate or a light with
// its radio, timers, detector and sensor. All controller state is owned by
// the loop goroutine; everything else reaches it over channels.
package node

import (
	"context"
	"crossing/actions"
	"crossing/dutycycle"
	"crossing/gate"
	"crossing/light"
	"crossing/metrics"
	"crossing/radio/comm"
	"crossing/radio/link"
	"crossing/radio/messages"
	"crossing/sensor"
	"crossing/sink"
	"crossing/util/config"
	"crossing/util/timer"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

type controller interface {
	Start() []actions.Action
	Receive(from config.Address, msg messages.Message) []actions.Action
	Timeout(id timer.ID) []actions.Action
	SendDone(o comm.Outcome) []actions.Action
}

// Output is where a node shows what it is doing.
type Output interface {
	Indicate(ind actions.SetIndication)
	Detector(enabled bool)
	Report(r sink.Report)
}

type Config struct {
	Topology config.Topology
	Timing   config.Timing
	// Detector delivers one value per activation of the detector, or of
	// the battery reset button on a light.
	Detector <-chan struct{}
	Sensor   sensor.Source
	Output   Output
}

type Node struct {
	info    config.NodeInfo
	timing  config.Timing
	link    link.Link
	radio   *comm.Radio
	timers  *timer.Timers
	ctrl    controller
	gate    *gate.Gate
	light   *light.Light
	duty    *dutycycle.Scheduler
	sink    *sink.Sink
	src     sensor.Source
	out     Output
	outbox  []actions.Send
	presses <-chan struct{}

	logger  hclog.Logger
	metrics *metrics.Node
}

func New(l link.Link, cfg Config, logger hclog.Logger, m *metrics.Metrics) (*Node, error) {
	info, err := cfg.Topology.Lookup(l.Addr())
	if err != nil {
		return nil, fmt.Errorf("new node: %w", err)
	}
	logger = logger.Named(fmt.Sprintf("%s-%d", info.Kind, uint8(info.Addr)))
	mn := m.For(info.Addr)
	opts := comm.DefaultOptions()
	opts.AckTimeout = cfg.Timing.AckTimeout

	n := &Node{
		info:    info,
		timing:  cfg.Timing,
		link:    l,
		radio:   comm.New(l, opts, logger, mn),
		timers:  timer.New(),
		src:     cfg.Sensor,
		out:     cfg.Output,
		presses: cfg.Detector,
		logger:  logger,
		metrics: mn,
	}
	if n.src == nil {
		n.src = sensor.NewSimulated(22, 50, uint64(info.Addr))
	}
	if n.out == nil {
		n.out = discard{}
	}

	switch info.Kind {
	case config.GateNode:
		n.gate = gate.New(info, cfg.Timing, logger, mn)
		n.ctrl = n.gate
		if info.Addr == info.Sink {
			n.sink = sink.New(cfg.Topology, n.src, logger)
		}
	case config.LightNode:
		n.light = light.New(info, cfg.Timing, logger, mn)
		n.ctrl = n.light
		n.duty = dutycycle.New(cfg.Timing, logger, mn)
	}
	return n, nil
}

// Sink is the measurement sink when this node is the sink gate, nil otherwise.
func (n *Node) Sink() *sink.Sink {
	return n.sink
}

// Run starts the radio and the node loop and blocks until ctx is done or
// one of them fails. The link is closed on return.
func (n *Node) Run(ctx context.Context) error {
	defer n.link.Close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.radio.Run(ctx) })
	g.Go(func() error { return n.loop(ctx) })
	return g.Wait()
}

func (n *Node) loop(ctx context.Context) error {
	defer n.timers.Close()
	n.logger.Info("node started", "kind", n.info.Kind, "road", n.info.Road, "priority", n.info.Priority)

	n.apply(n.ctrl.Start())
	if n.sink == nil {
		n.timers.Start(actions.SampleTimer, n.sampleInterval())
	}

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node stopped")
			return nil

		case <-n.presses:
			n.onPress()

		case exp := <-n.timers.C():
			if !n.timers.Accept(exp) {
				break
			}
			if exp.ID == actions.SampleTimer {
				n.onSampleTimer()
				break
			}
			n.apply(n.ctrl.Timeout(exp.ID))

		case d := <-n.radio.Received():
			n.apply(n.ctrl.Receive(d.From, d.Msg))

		case o := <-n.radio.Outcomes():
			n.metrics.SendOutcome(o.Result.String())
			n.apply(n.ctrl.SendDone(o))

		case a := <-n.radio.Announcements():
			n.onAnnouncement(a)
		}
	}
}

// apply carries out a reaction. Sends go last so that lamps and timers
// are already updated when the message leaves.
func (n *Node) apply(acts []actions.Action) {
	for _, a := range acts {
		switch a := a.(type) {
		case actions.Send:
			n.outbox = append(n.outbox, a)
		case actions.StartTimer:
			n.timers.Start(a.Timer, a.After)
		case actions.StopTimer:
			n.timers.Stop(a.Timer)
		case actions.SetDetector:
			n.out.Detector(a.Enabled)
		case actions.SetIndication:
			n.out.Indicate(a)
		case actions.BlinkTicked:
			if n.duty != nil {
				n.duty.Blinked()
			}
		default:
			n.logger.Error("unknown action", "action", a)
		}
	}
	n.flush()
}

// flush hands queued messages to the reliable channel, one at a time.
// The next one goes when the previous send reports its outcome.
func (n *Node) flush() {
	for len(n.outbox) > 0 && !n.radio.Transmitting() {
		s := n.outbox[0]
		err := n.radio.Send(s.To, s.Msg)
		if errors.Is(err, comm.ErrTransmitting) {
			return
		}
		n.outbox = n.outbox[1:]
		if err != nil {
			n.logger.Error("send failed", "to", s.To, "msg", s.Msg, "error", err)
		}
	}
}

func (n *Node) onPress() {
	if n.gate != nil {
		n.apply(n.gate.Detect())
		return
	}
	if n.duty.Reset() {
		n.timers.Start(actions.SampleTimer, n.sampleInterval())
	}
}

func (n *Node) sampleInterval() time.Duration {
	if n.duty != nil {
		return n.duty.Interval()
	}
	return n.timing.SampleFull
}

func (n *Node) onSampleTimer() {
	defer n.timers.Start(actions.SampleTimer, n.sampleInterval())
	if n.duty != nil && !n.duty.Tick() {
		return
	}
	ms, err := sensor.Burst(n.src)
	if err != nil {
		n.logger.Warn("sampling failed", "error", err)
		return
	}
	if n.duty != nil {
		n.duty.Sampled()
	}
	for _, m := range ms {
		buf, err := m.Encode()
		if err != nil {
			n.logger.Error("encode measurement", "error", err)
			continue
		}
		if err := n.radio.Broadcast(buf); err != nil {
			n.logger.Warn("broadcast failed", "error", err)
			continue
		}
		n.metrics.Measurement(m.Kind.String())
	}
}

func (n *Node) onAnnouncement(a comm.Announcement) {
	if n.sink == nil {
		return
	}
	m, err := messages.DecodeMeasurement(a.Payload)
	if err != nil {
		n.logger.Debug("bad broadcast dropped", "from", a.From, "error", err)
		return
	}
	r, err := n.sink.Record(a.From, m)
	if err != nil {
		n.logger.Warn("measurement dropped", "from", a.From, "error", err)
		return
	}
	if r != nil {
		n.out.Report(*r)
	}
}

type discard struct{}

func (discard) Indicate(actions.SetIndication) {}
func (discard) Detector(bool)                  {}
func (discard) Report(sink.Report)             {}
