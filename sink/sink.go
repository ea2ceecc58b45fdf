// Package sink collects the measurements broadcast by the other nodes of
// the intersection. Once every peer has reported a quantity, the sink
// samples its own sensor, averages over all nodes and produces a report
// carrying the current warning banner.
package sink

import (
	"crossing/radio/messages"
	"crossing/sensor"
	"crossing/util/config"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var ErrNotPeer = errors.New("measurement from a node outside the intersection")

type Report struct {
	Kind    messages.MeasurementKind
	Average int
	Banner  string
}

type cycle struct {
	values map[config.Address]int
}

type Sink struct {
	self   config.Address
	peers  []config.Address
	src    sensor.Source
	cycles map[messages.MeasurementKind]*cycle

	localTemp     int
	haveLocalTemp bool

	mu     sync.Mutex
	banner string

	logger hclog.Logger
}

func New(topo config.Topology, src sensor.Source, logger hclog.Logger) *Sink {
	s := &Sink{
		self:   topo.Sink(),
		src:    src,
		logger: logger.Named("sink"),
		cycles: map[messages.MeasurementKind]*cycle{
			messages.Temperature: {values: make(map[config.Address]int)},
			messages.Humidity:    {values: make(map[config.Address]int)},
		},
	}
	for _, addr := range topo.All() {
		if addr != s.self {
			s.peers = append(s.peers, addr)
		}
	}
	return s
}

// SetBanner replaces the warning shown with the next report.
func (s *Sink) SetBanner(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banner = msg
}

func (s *Sink) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

func (s *Sink) takeBanner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.banner
	s.banner = ""
	return b
}

// Record stores a measurement from a peer. It returns a report when the
// measurement completes a cycle, nil otherwise. A newer value from the
// same peer replaces the one waiting in the cycle.
func (s *Sink) Record(from config.Address, m messages.Measurement) (*Report, error) {
	if !s.isPeer(from) {
		return nil, fmt.Errorf("%v: %w", from, ErrNotPeer)
	}
	c, ok := s.cycles[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: measurement kind %q", messages.ErrBadMessage, m.Kind)
	}
	c.values[from] = m.Value
	s.logger.Trace("measurement", "from", from, "kind", m.Kind, "value", m.Value)
	if len(c.values) < len(s.peers) {
		return nil, nil
	}

	local, err := s.sample(m.Kind)
	if err != nil {
		return nil, err
	}
	sum := local
	for _, v := range c.values {
		sum += v
	}
	clear(c.values)

	r := &Report{
		Kind:    m.Kind,
		Average: sum / (len(s.peers) + 1),
		Banner:  s.takeBanner(),
	}
	s.logger.Debug("cycle complete", "kind", r.Kind, "average", r.Average)
	return r, nil
}

// sample reads the local sensor for one quantity. Humidity is only
// temperature compensated once a local temperature is known.
func (s *Sink) sample(kind messages.MeasurementKind) (int, error) {
	raw, err := s.src.Read()
	if err != nil {
		return 0, fmt.Errorf("sample %v: %w", kind, err)
	}
	if kind == messages.Temperature {
		s.localTemp = sensor.Celsius(raw.Temperature)
		s.haveLocalTemp = true
		return s.localTemp, nil
	}
	h := sensor.RelativeHumidity(raw.Humidity)
	if s.haveLocalTemp {
		h = sensor.Compensate(h, s.localTemp, raw.Humidity)
	}
	return h, nil
}

func (s *Sink) isPeer(addr config.Address) bool {
	for _, p := range s.peers {
		if p == addr {
			return true
		}
	}
	return false
}
