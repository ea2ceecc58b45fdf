// Package actions lists what a controller asks its node loop to do.
// Controllers never touch the radio, timers or lamps themselves; each
// reaction returns a slice of actions that the loop carries out in order.
package actions

import (
	"crossing/radio/messages"
	"crossing/util/config"
	"crossing/util/timer"
	"fmt"
	"time"
)

// Timers used by the controllers
const (
	DebounceTimer timer.ID = iota
	CooldownTimer
	ClearanceTimer
	HoldTimer
	SettleTimer
	BlinkTimer
	NegotiationTimer
	SampleTimer
)

type Action interface {
	fmt.Stringer
}

// Send queues msg for reliable delivery to To.
type Send struct {
	To  config.Address
	Msg messages.Message
}

type StartTimer struct {
	Timer timer.ID
	After time.Duration
}

type StopTimer struct {
	Timer timer.ID
}

// SetDetector enables or disables the vehicle detector input.
type SetDetector struct {
	Enabled bool
}

type Lamp int

const (
	Dark Lamp = iota
	Red
	Green
)

func (l Lamp) String() string {
	switch l {
	case Red:
		return "red"
	case Green:
		return "green"
	}
	return "dark"
}

// SetIndication drives the lamps. Caution marks one phase of the
// alternating idle indication rather than a right-of-way decision.
type SetIndication struct {
	Lamp    Lamp
	Caution bool
}

// BlinkTicked is emitted once per blink period while the light idles.
type BlinkTicked struct{}

func (a Send) String() string          { return fmt.Sprintf("send %v to %v", a.Msg, a.To) }
func (a StartTimer) String() string    { return fmt.Sprintf("start timer %d (%v)", a.Timer, a.After) }
func (a StopTimer) String() string     { return fmt.Sprintf("stop timer %d", a.Timer) }
func (a SetDetector) String() string   { return fmt.Sprintf("detector enabled=%v", a.Enabled) }
func (a SetIndication) String() string { return fmt.Sprintf("lamp %v caution=%v", a.Lamp, a.Caution) }
func (a BlinkTicked) String() string   { return "blink tick" }
