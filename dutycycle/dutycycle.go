// Package dutycycle keeps the battery estimate of a light and decides how
// often it samples its sensor. It has no say in arbitration.
package dutycycle

import (
	"crossing/metrics"
	"crossing/util/config"
	"time"

	"github.com/hashicorp/go-hclog"
)

type Level int

const (
	Full Level = iota
	Reduced
	Minimal
	Depleted
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Reduced:
		return "reduced"
	case Minimal:
		return "minimal"
	}
	return "depleted"
}

func LevelOf(battery int) Level {
	switch {
	case battery <= 0:
		return Depleted
	case battery < config.BATTERY_MINIMAL_BELOW:
		return Minimal
	case battery <= config.BATTERY_REDUCED_AT:
		return Reduced
	}
	return Full
}

type Scheduler struct {
	battery int
	ticks   int
	timing  config.Timing
	logger  hclog.Logger
	metrics *metrics.Node
}

func New(timing config.Timing, logger hclog.Logger, m *metrics.Node) *Scheduler {
	s := &Scheduler{
		battery: config.BATTERY_FULL,
		timing:  timing,
		logger:  logger.Named("dutycycle"),
		metrics: m,
	}
	m.Battery(s.battery)
	return s
}

func (s *Scheduler) Battery() int {
	return s.battery
}

func (s *Scheduler) Level() Level {
	return LevelOf(s.battery)
}

// Interval is the period of the sample timer at the current level. In the
// minimal level the timer ticks faster and only every Nth tick samples.
func (s *Scheduler) Interval() time.Duration {
	switch s.Level() {
	case Full:
		return s.timing.SampleFull
	case Reduced:
		return s.timing.SampleReduced
	}
	return s.timing.SampleMinimalTick
}

// Tick reports whether the sample timer expiry that just happened should
// trigger a sampling burst.
func (s *Scheduler) Tick() bool {
	switch s.Level() {
	case Depleted:
		return false
	case Minimal:
		s.ticks++
		if s.ticks < config.SAMPLE_TICKS_MINIMAL {
			return false
		}
		s.ticks = 0
	}
	return true
}

func (s *Scheduler) Sampled() {
	s.drain(config.SAMPLE_COST)
}

func (s *Scheduler) Blinked() {
	s.drain(config.BLINK_TICK_COST)
}

// NeedsManualReset is true once the battery is low enough for the button
// to act as a battery swap.
func (s *Scheduler) NeedsManualReset() bool {
	return s.battery < config.BATTERY_MINIMAL_BELOW
}

// Reset restores a full battery. It does nothing unless a manual reset is due.
func (s *Scheduler) Reset() bool {
	if !s.NeedsManualReset() {
		return false
	}
	s.battery = config.BATTERY_FULL
	s.ticks = 0
	s.metrics.Battery(s.battery)
	s.logger.Info("battery reset", "level", s.Level())
	return true
}

func (s *Scheduler) drain(cost int) {
	before := s.Level()
	s.battery = max(s.battery-cost, 0)
	s.metrics.Battery(s.battery)
	if after := s.Level(); after != before {
		s.logger.Info("duty cycle level changed", "battery", s.battery, "from", before, "to", after)
		if s.NeedsManualReset() {
			s.logger.Warn("battery low, press the button to reset", "battery", s.battery)
		}
	}
}
