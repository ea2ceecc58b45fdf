package light

import (
	"crossing/actions"
	"crossing/metrics"
	"crossing/radio/comm"
	"crossing/radio/messages"
	"crossing/traffic"
	"crossing/util/config"
	"crossing/util/timer"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

var topo = config.SimTopology()

func newTestLight(t *testing.T, addr config.Address) (*Light, config.NodeInfo) {
	t.Helper()
	info, err := topo.Lookup(addr)
	if err != nil {
		t.Fatal(err)
	}
	l := New(info, config.DefaultTiming(), hclog.NewNullLogger(), metrics.Discard(addr))
	l.Start()
	return l, info
}

func containsAction(acts []actions.Action, want actions.Action) bool {
	for _, a := range acts {
		if a == want {
			return true
		}
	}
	return false
}

func sends(acts []actions.Action) []actions.Send {
	var out []actions.Send
	for _, a := range acts {
		if s, ok := a.(actions.Send); ok {
			out = append(out, s)
		}
	}
	return out
}

func grants(acts []actions.Action) int {
	n := 0
	for _, s := range sends(acts) {
		if s.Msg.Type == messages.Grant {
			n++
		}
	}
	return n
}

func expectState(t *testing.T, l *Light, want string) {
	t.Helper()
	if got := l.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestStartBlinks(t *testing.T) {
	info, _ := topo.Lookup(config.SIM_TL1_ADDR)
	l := New(info, config.DefaultTiming(), hclog.NewNullLogger(), metrics.Discard(info.Addr))
	acts := l.Start()
	expectState(t, l, Blink)
	if len(acts) != 2 || acts[0] != (actions.SetIndication{Lamp: actions.Green, Caution: true}) {
		t.Fatalf("Start() = %v", acts)
	}

	acts = l.Timeout(actions.BlinkTimer)
	if acts[0] != (actions.SetIndication{Lamp: actions.Red, Caution: true}) || acts[1] != (actions.BlinkTicked{}) {
		t.Fatalf("blink tick = %v", acts)
	}
}

func TestGateRequestNotifiesPeerAndWaits(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)

	acts := l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	expectState(t, l, Negotiating)
	s := sends(acts)
	if len(s) != 1 || s[0].To != info.PeerLight || s[0].Msg != messages.NewRequest(traffic.Normal) {
		t.Fatalf("sends = %v", s)
	}
	if grants(acts) != 0 {
		t.Fatal("granted with peer unknown")
	}
}

func TestNoGrantWhilePeerUnknown(t *testing.T) {
	for _, addr := range []config.Address{config.SIM_TL1_ADDR, config.SIM_TL2_ADDR} {
		for _, v := range []traffic.Vehicle{traffic.Normal, traffic.Emergency} {
			l, info := newTestLight(t, addr)
			acts := l.Receive(info.Gate, messages.NewRequest(v))
			for i := 0; i < 10; i++ {
				acts = append(acts, l.Timeout(actions.HoldTimer)...)
			}
			if n := grants(acts); n != 0 {
				t.Fatalf("%v light granted %d times with peer unknown", l.Role(), n)
			}
			expectState(t, l, Negotiating)
		}
	}
}

func TestSilentPeerFailsClosed(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL2_ADDR)
	acts := l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	if !containsAction(acts, actions.StartTimer{Timer: actions.NegotiationTimer, After: config.NEGOTIATION_TIMEOUT}) {
		t.Fatalf("no negotiation timeout started: %v", acts)
	}

	if acts := l.Timeout(actions.HoldTimer); len(sends(acts)) != 0 {
		t.Fatalf("notified again while waiting: %v", acts)
	}
	acts = l.Timeout(actions.NegotiationTimer)
	expectState(t, l, Red)
	if grants(acts) != 0 || len(sends(acts)) != 0 {
		t.Fatalf("got %v", acts)
	}
	if l.Negotiation() != (Negotiation{}) {
		t.Fatalf("negotiation kept: %+v", l.Negotiation())
	}

	// the answer turns up after all
	if acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.None)); len(acts) != 0 {
		t.Fatalf("late answer acted on: %v", acts)
	}
	l.Timeout(actions.HoldTimer)
	expectState(t, l, Settling)
}

func TestPeerReplyGrants(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))

	acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.None))
	expectState(t, l, Green)
	s := sends(acts)
	if len(s) != 1 || s[0].To != info.Gate || s[0].Msg != messages.NewGrant() {
		t.Fatalf("sends = %v, want a single grant to the gate", s)
	}
	if l.Negotiation().PeerNotified {
		t.Fatal("PeerNotified still set after decision")
	}
}

func TestUnsolicitedPeerNotificationGetsReply(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL2_ADDR)

	acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
	expectState(t, l, Red)
	s := sends(acts)
	if len(s) != 1 || s[0].To != info.PeerLight || s[0].Msg != messages.NewRequest(traffic.None) {
		t.Fatalf("sends = %v, want a None reply to the peer", s)
	}
}

func TestIdlePeerIgnoredInBlink(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	if acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.None)); len(acts) != 0 {
		t.Fatalf("got %v", acts)
	}
	expectState(t, l, Blink)
	if l.Negotiation().Peer.IsKnown() {
		t.Fatal("idle peer recorded")
	}
}

func TestDuplicatePeerNotificationIsIdempotent(t *testing.T) {
	for _, state := range []string{Green, Red} {
		l, info := newTestLight(t, config.SIM_TL1_ADDR)
		l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
		if state == Green {
			l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
		} else {
			l.Receive(info.PeerLight, messages.NewRequest(traffic.Emergency))
		}
		expectState(t, l, state)

		l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
		first := l.Negotiation()
		acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
		if len(acts) != 0 {
			t.Fatalf("%s: duplicate produced %v", state, acts)
		}
		if l.Negotiation() != first {
			t.Fatalf("%s: negotiation changed from %+v to %+v", state, first, l.Negotiation())
		}
	}
}

func TestGreenClearsMineAndSettles(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	l.Receive(info.PeerLight, messages.NewRequest(traffic.None))

	acts := l.Timeout(actions.HoldTimer)
	expectState(t, l, Settling)
	if len(sends(acts)) != 0 {
		t.Fatalf("idle peer notified: %v", acts)
	}
	if l.Negotiation().Mine != traffic.None {
		t.Fatalf("mine = %v after green", l.Negotiation().Mine)
	}

	l.Timeout(actions.SettleTimer)
	expectState(t, l, Blink)
	if l.Negotiation() != (Negotiation{}) {
		t.Fatalf("negotiation not reset: %+v", l.Negotiation())
	}
}

func TestWaitingPeerAnsweredAfterGreen(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
	expectState(t, l, Green)
	if l.Negotiation().Peer.IsKnown() {
		t.Fatal("peer value kept after the decision")
	}

	// the peer asks again once its red hold is over
	if acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal)); len(acts) != 0 {
		t.Fatalf("answered during green: %v", acts)
	}
	acts := l.Timeout(actions.HoldTimer)
	expectState(t, l, Red)
	s := sends(acts)
	if len(s) != 1 || s[0].To != info.PeerLight || s[0].Msg != messages.NewRequest(traffic.None) {
		t.Fatalf("sends = %v, want None to the waiting peer", s)
	}
	if !containsAction(acts, actions.SetIndication{Lamp: actions.Red}) {
		t.Fatalf("lamp not set red: %v", acts)
	}
}

func TestRequestDuringGreenNeedsFreshExchange(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	l.Receive(info.PeerLight, messages.NewRequest(traffic.None))

	if acts := l.Receive(info.Gate, messages.NewRequest(traffic.Normal)); len(acts) != 0 {
		t.Fatalf("request during hold acted on at once: %v", acts)
	}
	acts := l.Timeout(actions.HoldTimer)
	expectState(t, l, Negotiating)
	if grants(acts) != 0 {
		t.Fatalf("granted again without asking the peer: %v", acts)
	}
	s := sends(acts)
	if len(s) != 1 || s[0].To != info.PeerLight || s[0].Msg != messages.NewRequest(traffic.Normal) {
		t.Fatalf("sends = %v, want a notification to the peer", s)
	}
	if !containsAction(acts, actions.SetIndication{Lamp: actions.Red}) {
		t.Fatalf("lamp left green while negotiating: %v", acts)
	}

	acts = l.Receive(info.PeerLight, messages.NewRequest(traffic.None))
	expectState(t, l, Green)
	if grants(acts) != 1 {
		t.Fatalf("second request not granted: %v", acts)
	}
}

func TestRequestInSettlingNeedsFreshExchange(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL2_ADDR)
	l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
	expectState(t, l, Red)
	l.Timeout(actions.HoldTimer)
	expectState(t, l, Settling)

	acts := l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	expectState(t, l, Negotiating)
	if grants(acts) != 0 {
		t.Fatalf("granted on the previous exchange: %v", acts)
	}
	if s := sends(acts); len(s) != 1 || s[0].To != info.PeerLight {
		t.Fatalf("sends = %v", s)
	}
}

func TestRequestWhileNegotiatingDecidedOnSentValue(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL2_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))

	if acts := l.Receive(info.Gate, messages.NewRequest(traffic.Emergency)); len(sends(acts)) != 0 {
		t.Fatalf("notified twice in one exchange: %v", acts)
	}
	// the peer answered Normal against Normal, so it grants itself
	acts := l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
	expectState(t, l, Red)
	if grants(acts) != 0 {
		t.Fatalf("granted on a value the peer never saw: %v", acts)
	}

	acts = l.Timeout(actions.HoldTimer)
	expectState(t, l, Negotiating)
	if s := sends(acts); len(s) != 1 || s[0].Msg != messages.NewRequest(traffic.Emergency) {
		t.Fatalf("sends = %v, want the emergency next", s)
	}
}

func TestRedSettlesWithNothingPending(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL2_ADDR)
	l.Receive(info.PeerLight, messages.NewRequest(traffic.Normal))
	expectState(t, l, Red)

	l.Timeout(actions.HoldTimer)
	expectState(t, l, Settling)
	if l.Negotiation().Peer.IsKnown() {
		t.Fatal("peer value kept past red hold")
	}
}

// A notification that never reaches the peer leaves the light red, then
// idle. The gate fails open in the same situation; the asymmetry is
// intentional.
func TestUnreachablePeerFailsClosed(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	acts := l.Receive(info.Gate, messages.NewRequest(traffic.Emergency))
	s := sends(acts)

	acts = l.SendDone(comm.Outcome{To: info.PeerLight, Msg: s[0].Msg, Result: comm.TimedOut, Attempts: config.MAX_RETRANSMISSIONS})
	expectState(t, l, Red)
	if grants(acts) != 0 {
		t.Fatal("granted after losing the peer")
	}

	l.Timeout(actions.HoldTimer)
	expectState(t, l, Settling)
	l.Timeout(actions.SettleTimer)
	expectState(t, l, Blink)
}

func TestLostGrantOnlyLogged(t *testing.T) {
	l, info := newTestLight(t, config.SIM_TL1_ADDR)
	l.Receive(info.Gate, messages.NewRequest(traffic.Normal))
	l.Receive(info.PeerLight, messages.NewRequest(traffic.None))

	if acts := l.SendDone(comm.Outcome{To: info.Gate, Msg: messages.NewGrant(), Result: comm.TimedOut}); len(acts) != 0 {
		t.Fatalf("got %v", acts)
	}
	expectState(t, l, Green)
}

// pair runs two lights against each other on a virtual clock. Messages in
// each direction are delivered in order. Without a random source every
// message goes out before the next timer fires; with one, the two
// directions interleave freely with the timers, and no message is held
// longer than maxDelay.
type pair struct {
	t      *testing.T
	lights [2]*Light
	infos  [2]config.NodeInfo
	timers [2]map[timer.ID]time.Duration
	queue  []delivery
	now    time.Duration

	rng      *rand.Rand
	maxDelay time.Duration

	waiting  [2]bool
	requests [2]int
	grants   [2]int
}

type delivery struct {
	to   int
	from config.Address
	msg  messages.Message
	at   time.Duration
}

func newPair(t *testing.T) *pair {
	p := &pair{t: t}
	for i, addr := range []config.Address{config.SIM_TL1_ADDR, config.SIM_TL2_ADDR} {
		info, err := topo.Lookup(addr)
		if err != nil {
			t.Fatal(err)
		}
		p.infos[i] = info
		p.lights[i] = New(info, config.DefaultTiming(), hclog.NewNullLogger(), metrics.Discard(addr))
		p.timers[i] = make(map[timer.ID]time.Duration)
		p.apply(i, p.lights[i].Start())
	}
	return p
}

func newShuffledPair(t *testing.T, seed uint64) *pair {
	p := newPair(t)
	p.rng = rand.New(rand.NewPCG(seed, 7))
	p.maxDelay = time.Second
	return p
}

func (p *pair) apply(i int, acts []actions.Action) {
	for _, a := range acts {
		switch a := a.(type) {
		case actions.Send:
			switch a.To {
			case p.infos[i].Gate:
				if !p.waiting[i] {
					p.t.Fatalf("road %d granted at %v with no vehicle waiting", i, p.now)
				}
				p.waiting[i] = false
				p.grants[i]++
			case p.infos[1-i].Addr:
				p.queue = append(p.queue, delivery{to: 1 - i, from: p.infos[i].Addr, msg: a.Msg, at: p.now})
			default:
				p.t.Fatalf("light %d sent %v to %v", i, a.Msg, a.To)
			}
		case actions.StartTimer:
			p.timers[i][a.Timer] = p.now + a.After
		case actions.StopTimer:
			delete(p.timers[i], a.Timer)
		}
	}
}

// request is a gate asking for its road. A gate asks again only after its
// previous vehicle was granted.
func (p *pair) request(i int, v traffic.Vehicle) {
	if p.waiting[i] {
		p.t.Fatalf("road %d asked twice", i)
	}
	p.waiting[i] = true
	p.requests[i]++
	p.apply(i, p.lights[i].Receive(p.infos[i].Gate, messages.NewRequest(v)))
}

// step delivers one message or fires the earliest timer. Blink timers are
// skipped since they run for as long as a light idles.
func (p *pair) step() bool {
	who, id, at := p.nextTimer()
	if i, ok := p.nextDelivery(who, at); ok {
		d := p.queue[i]
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.apply(d.to, p.lights[d.to].Receive(d.from, d.msg))
		return true
	}
	if who < 0 {
		return false
	}
	p.now = at
	delete(p.timers[who], id)
	p.apply(who, p.lights[who].Timeout(id))
	return true
}

func (p *pair) nextTimer() (int, timer.ID, time.Duration) {
	best, bestID := -1, timer.ID(0)
	for i := range p.timers {
		for id, at := range p.timers[i] {
			if id == actions.BlinkTimer {
				continue
			}
			if best < 0 || at < p.timers[best][bestID] || (at == p.timers[best][bestID] && i < best) {
				best, bestID = i, id
			}
		}
	}
	if best < 0 {
		return -1, 0, 0
	}
	return best, bestID, p.timers[best][bestID]
}

func (p *pair) nextDelivery(who int, at time.Duration) (int, bool) {
	if len(p.queue) == 0 {
		return 0, false
	}
	if p.rng == nil {
		return 0, true
	}
	var heads []int
	var seen [2]bool
	for i, d := range p.queue {
		if !seen[d.to] {
			seen[d.to] = true
			heads = append(heads, i)
		}
	}
	for _, i := range heads {
		if who < 0 || p.queue[i].at+p.maxDelay <= at {
			return i, true
		}
	}
	if r := p.rng.IntN(len(heads) + 1); r < len(heads) {
		return heads[r], true
	}
	return 0, false
}

func (p *pair) check() {
	if p.lights[0].State() == Green && p.lights[1].State() == Green {
		p.t.Fatalf("both lights green at %v", p.now)
	}
}

// stepUntil steps until light i is in state, checking on the way.
func (p *pair) stepUntil(i int, state string) {
	for n := 0; p.lights[i].State() != state; n++ {
		if n == 1000 || !p.step() {
			p.t.Fatalf("light %d never reached %s", i, state)
		}
		p.check()
	}
}

// run steps until both lights idle with every vehicle served.
func (p *pair) run() {
	for i := 0; i < 1000; i++ {
		p.check()
		if !p.step() {
			for j, l := range p.lights {
				if l.State() != Blink {
					p.t.Fatalf("light %d stuck in %s at %v", j, l.State(), p.now)
				}
				if p.waiting[j] {
					p.t.Fatalf("road %d never granted", j)
				}
			}
			if len(p.queue) != 0 {
				p.t.Fatalf("undelivered: %v", p.queue)
			}
			return
		}
	}
	p.t.Fatalf("no quiescence after 1000 steps: %s / %s", p.lights[0].State(), p.lights[1].State())
}

func TestPairSingleRequest(t *testing.T) {
	for i := range 2 {
		p := newPair(t)
		p.request(i, traffic.Normal)
		p.run()
		if p.grants[i] != 1 || p.grants[1-i] != 0 {
			t.Fatalf("request on road %d: grants = %v", i, p.grants)
		}
	}
}

func TestPairSimultaneousRequests(t *testing.T) {
	all := []traffic.Vehicle{traffic.Normal, traffic.Emergency}
	for _, major := range all {
		for _, minor := range all {
			p := newPair(t)
			p.request(0, major)
			p.request(1, minor)
			p.run()
			if p.grants != [2]int{1, 1} {
				t.Fatalf("major=%v minor=%v: grants = %v", major, minor, p.grants)
			}
		}
	}
}

func TestPairPriorityGoesFirstOnBothEmergency(t *testing.T) {
	p := newPair(t)
	p.request(0, traffic.Emergency)
	p.request(1, traffic.Emergency)
	for p.grants == [2]int{} {
		if !p.step() {
			t.Fatal("nobody granted")
		}
	}
	if p.grants != [2]int{1, 0} {
		t.Fatalf("first grant went to %v", p.grants)
	}
	p.run()
}

func TestPairRequestsWhileBothSettling(t *testing.T) {
	p := newPair(t)
	p.request(1, traffic.Normal)
	for p.lights[0].State() != Settling || p.lights[1].State() != Settling {
		if !p.step() {
			t.Fatalf("never both settling: %s / %s", p.lights[0].State(), p.lights[1].State())
		}
		p.check()
	}

	p.request(0, traffic.Normal)
	p.request(1, traffic.Normal)
	p.run()
	if p.grants != [2]int{1, 2} {
		t.Fatalf("grants = %v", p.grants)
	}
}

// Vehicles arrive on both roads whenever one light enters a given state,
// over several cycles in a row.
func TestPairArrivalsInEveryState(t *testing.T) {
	for _, state := range []string{Negotiating, Green, Red, Settling} {
		for who := range 2 {
			p := newPair(t)
			for range 3 {
				p.request(who, traffic.Normal)
				if state != Negotiating {
					p.request(1-who, traffic.Normal)
				}
				p.stepUntil(who, state)
				for i := range 2 {
					if !p.waiting[i] {
						p.request(i, traffic.Emergency)
					}
				}
				p.run()
			}
			if p.grants != p.requests {
				t.Fatalf("arrivals in %s of light %d: grants = %v, requests = %v", state, who, p.grants, p.requests)
			}
		}
	}
}

func TestPairDelayedMessages(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		p := newShuffledPair(t, seed)
		arrivals := 40
		for n := 0; arrivals > 0; n++ {
			if n == 100000 {
				t.Fatalf("seed %d: arrivals never drained", seed)
			}
			if i := p.rng.IntN(2); p.rng.IntN(3) == 0 && !p.waiting[i] {
				v := traffic.Normal
				if p.rng.IntN(4) == 0 {
					v = traffic.Emergency
				}
				p.request(i, v)
				arrivals--
			} else if !p.step() {
				if p.waiting[0] || p.waiting[1] {
					t.Fatalf("seed %d: stalled with %v waiting", seed, p.waiting)
				}
				p.request(i, traffic.Normal)
				arrivals--
			}
			p.check()
		}
		p.run()
		if p.grants != p.requests {
			t.Fatalf("seed %d: grants = %v, requests = %v", seed, p.grants, p.requests)
		}
	}
}
