package config

import (
	"errors"
	"fmt"
	"time"
)

// Radio parameters
const MAX_RETRANSMISSIONS = 5
const ACK_TIMEOUT = 400 * time.Millisecond
const MESSAGE_SIZE = 2
const DEDUP_BUFFER_SIZE = 5
const DEFAULT_RADIO_PORT = 20144

// Timing constants for the gate program
const DEBOUNCE_DURATION = 500 * time.Millisecond
const COOLDOWN_DURATION = 5 * time.Second
const CLEARANCE_TIMEOUT = 30 * time.Second

// Timing constants for the light program
const HOLD_DURATION = 5 * time.Second
const SETTLE_DURATION = 1 * time.Second
const BLINK_INTERVAL = 1 * time.Second
const NEGOTIATION_TIMEOUT = 15 * time.Second

// Sampling intervals, selected by the duty-cycle scheduler
const SAMPLE_INTERVAL_FULL = 5 * time.Second
const SAMPLE_INTERVAL_REDUCED = 10 * time.Second
const SAMPLE_TICK_MINIMAL = 1 * time.Second
const SAMPLE_TICKS_MINIMAL = 20

// Battery bookkeeping, in percent
const BATTERY_FULL = 100
const BATTERY_REDUCED_AT = 50
const BATTERY_MINIMAL_BELOW = 20
const BLINK_TICK_COST = 5
const SAMPLE_COST = 10

// Operator console
const CONSOLE_SECRET = "NES"
const BANNER_MAX_LEN = 24

var ErrUnknownAddress = errors.New("address not part of the intersection")

// Address is the short numeric radio address of a node, fixed at provisioning.
type Address uint8

func (a Address) String() string {
	return fmt.Sprintf("%d.0", uint8(a))
}

// Addresses of the deployed motes
const (
	G1_ADDR  Address = 49
	G2_ADDR  Address = 158
	TL1_ADDR Address = 42
	TL2_ADDR Address = 21
)

// Addresses used when running in the simulator
const (
	SIM_G1_ADDR  Address = 1
	SIM_G2_ADDR  Address = 2
	SIM_TL1_ADDR Address = 3
	SIM_TL2_ADDR Address = 4
)

type NodeKind int

const (
	GateNode NodeKind = iota
	LightNode
)

func (k NodeKind) String() string {
	if k == GateNode {
		return "gate"
	}
	return "light"
}

// Topology pairs the nodes of one intersection. Index 0 is the major
// (priority) road, index 1 the minor (yielding) road.
type Topology struct {
	Gates  [2]Address
	Lights [2]Address
}

// NodeInfo is everything a node derives from its own address.
type NodeInfo struct {
	Addr      Address
	Kind      NodeKind
	Road      int
	Priority  bool
	Light     Address // the light a gate reports to, or the light itself
	Gate      Address // the gate a light grants, or the gate itself
	PeerLight Address
	Sink      Address
}

func HardwareTopology() Topology {
	return Topology{
		Gates:  [2]Address{G1_ADDR, G2_ADDR},
		Lights: [2]Address{TL1_ADDR, TL2_ADDR},
	}
}

func SimTopology() Topology {
	return Topology{
		Gates:  [2]Address{SIM_G1_ADDR, SIM_G2_ADDR},
		Lights: [2]Address{SIM_TL1_ADDR, SIM_TL2_ADDR},
	}
}

// All returns every address of the intersection, gates first.
func (t Topology) All() []Address {
	return []Address{t.Gates[0], t.Gates[1], t.Lights[0], t.Lights[1]}
}

// Sink is the node that aggregates measurements, the priority gate.
func (t Topology) Sink() Address {
	return t.Gates[0]
}

func (t Topology) Lookup(addr Address) (NodeInfo, error) {
	for road := 0; road < 2; road++ {
		info := NodeInfo{
			Addr:      addr,
			Road:      road,
			Priority:  road == 0,
			Light:     t.Lights[road],
			Gate:      t.Gates[road],
			PeerLight: t.Lights[1-road],
			Sink:      t.Sink(),
		}
		switch addr {
		case t.Gates[road]:
			info.Kind = GateNode
			return info, nil
		case t.Lights[road]:
			info.Kind = LightNode
			return info, nil
		}
	}
	return NodeInfo{}, fmt.Errorf("%v: %w", addr, ErrUnknownAddress)
}

// Timing holds every protocol interval. Controllers take it by value so
// tests and the simulator can run with shorter durations.
type Timing struct {
	Debounce         time.Duration
	Cooldown         time.Duration
	ClearanceTimeout time.Duration

	Hold   time.Duration
	Settle time.Duration
	Blink  time.Duration

	// Negotiation bounds the wait for the peer's answer. It must outlast a
	// peer hold plus the retransmissions of both messages.
	Negotiation time.Duration

	AckTimeout time.Duration

	SampleFull        time.Duration
	SampleReduced     time.Duration
	SampleMinimalTick time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Debounce:          DEBOUNCE_DURATION,
		Cooldown:          COOLDOWN_DURATION,
		ClearanceTimeout:  CLEARANCE_TIMEOUT,
		Hold:              HOLD_DURATION,
		Settle:            SETTLE_DURATION,
		Blink:             BLINK_INTERVAL,
		Negotiation:       NEGOTIATION_TIMEOUT,
		AckTimeout:        ACK_TIMEOUT,
		SampleFull:        SAMPLE_INTERVAL_FULL,
		SampleReduced:     SAMPLE_INTERVAL_REDUCED,
		SampleMinimalTick: SAMPLE_TICK_MINIMAL,
	}
}

// Scaled divides every interval by div. Used by the simulator to speed
// up a whole intersection without changing the protocol.
func (t Timing) Scaled(div int) Timing {
	if div <= 1 {
		return t
	}
	d := time.Duration(div)
	return Timing{
		Debounce:          t.Debounce / d,
		Cooldown:          t.Cooldown / d,
		ClearanceTimeout:  t.ClearanceTimeout / d,
		Hold:              t.Hold / d,
		Settle:            t.Settle / d,
		Blink:             t.Blink / d,
		Negotiation:       t.Negotiation / d,
		AckTimeout:        t.AckTimeout / d,
		SampleFull:        t.SampleFull / d,
		SampleReduced:     t.SampleReduced / d,
		SampleMinimalTick: t.SampleMinimalTick / d,
	}
}
