package link

import (
	"crossing/util/config"
	"math/rand/v2"
	"sync"
)

const simQueueSize = 64

// SimMedium is an in-process radio shared by several SimLinks. It loses
// frames at random with the configured probability, and a Filter can
// drop frames deliberately.
type SimMedium struct {
	mu       sync.Mutex
	lossRate float64
	rng      *rand.Rand
	filter   func(Frame) bool
	links    map[config.Address]*SimLink
}

func NewSimMedium(lossRate float64, seed uint64) *SimMedium {
	return &SimMedium{
		lossRate: lossRate,
		rng:      rand.New(rand.NewPCG(seed, seed^0x5eed)),
		links:    make(map[config.Address]*SimLink),
	}
}

// SetFilter installs fn; frames for which it returns false are dropped.
func (m *SimMedium) SetFilter(fn func(Frame) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = fn
}

func (m *SimMedium) Attach(addr config.Address) *SimLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &SimLink{addr: addr, medium: m, rx: make(chan Frame, simQueueSize)}
	m.links[addr] = l
	return l
}

func (m *SimMedium) transmit(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filter != nil && !m.filter(f) {
		return
	}
	for addr, l := range m.links {
		if !accepts(addr, f) {
			continue
		}
		if m.lossRate > 0 && m.rng.Float64() < m.lossRate {
			continue
		}
		l.deliver(f)
	}
}

func (m *SimMedium) detach(addr config.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, addr)
}

type SimLink struct {
	addr   config.Address
	medium *SimMedium
	rx     chan Frame

	closeOnce sync.Once
	closed    bool // guarded by medium.mu
}

func (l *SimLink) Addr() config.Address {
	return l.addr
}

func (l *SimLink) Transmit(f Frame) error {
	l.medium.mu.Lock()
	closed := l.closed
	l.medium.mu.Unlock()
	if closed {
		return ErrClosed
	}
	f.Src = l.addr
	f.Payload = append([]byte(nil), f.Payload...)
	l.medium.transmit(f)
	return nil
}

func (l *SimLink) Frames() <-chan Frame {
	return l.rx
}

// deliver is called with medium.mu held. A full queue loses the frame,
// the same as a busy receiver on air.
func (l *SimLink) deliver(f Frame) {
	if l.closed {
		return
	}
	select {
	case l.rx <- f:
	default:
	}
}

func (l *SimLink) Close() error {
	l.closeOnce.Do(func() {
		l.medium.detach(l.addr)
		l.medium.mu.Lock()
		l.closed = true
		close(l.rx)
		l.medium.mu.Unlock()
	})
	return nil
}
