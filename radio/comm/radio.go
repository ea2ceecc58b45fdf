// Package comm builds the two channels the controllers use on top of a
// raw link: the reliable channel (acked, bounded retries, one send in
// flight) and the best-effort broadcast channel.
package comm

import (
	"context"
	"crossing/metrics"
	"crossing/radio/link"
	"crossing/radio/messages"
	"crossing/util/config"
	"crossing/util/msgidbuffer"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var ErrTransmitting = errors.New("reliable channel is transmitting")

type Result int

const (
	Delivered Result = iota
	TimedOut
)

func (r Result) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "timed_out"
}

// Outcome reports the end of one accepted reliable send. Exactly one
// Outcome is produced per send.
type Outcome struct {
	To       config.Address
	Msg      messages.Message
	Result   Result
	Attempts int
}

// Delivery is a message received on the reliable channel.
type Delivery struct {
	From config.Address
	Msg  messages.Message
}

// Announcement is a payload received on the broadcast channel.
type Announcement struct {
	From    config.Address
	Payload []byte
}

type Options struct {
	Attempts   int
	AckTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{Attempts: config.MAX_RETRANSMISSIONS, AckTimeout: config.ACK_TIMEOUT}
}

type pending struct {
	to       config.Address
	msg      messages.Message
	seq      uint8
	attempts int
	timer    *time.Timer
}

// Radio owns one link. Run must be running for sends to complete and for
// anything to be received.
type Radio struct {
	link    link.Link
	opts    Options
	logger  hclog.Logger
	metrics *metrics.Node

	mu       sync.Mutex
	inflight *pending
	seq      uint8
	seen     map[config.Address]*msgidbuffer.MessageIDBuffer

	done          chan struct{}
	ackTimeouts   chan uint8
	outcomes      chan Outcome
	received      chan Delivery
	announcements chan Announcement
}

func New(l link.Link, opts Options, logger hclog.Logger, m *metrics.Node) *Radio {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Radio{
		link:          l,
		opts:          opts,
		logger:        logger.Named("radio"),
		metrics:       m,
		seq:           uint8(rand.UintN(256)),
		seen:          make(map[config.Address]*msgidbuffer.MessageIDBuffer),
		done:          make(chan struct{}),
		ackTimeouts:   make(chan uint8, 2),
		outcomes:      make(chan Outcome, 4),
		received:      make(chan Delivery, 16),
		announcements: make(chan Announcement, 16),
	}
}

func (r *Radio) Addr() config.Address {
	return r.link.Addr()
}

func (r *Radio) Outcomes() <-chan Outcome {
	return r.outcomes
}

func (r *Radio) Received() <-chan Delivery {
	return r.received
}

func (r *Radio) Announcements() <-chan Announcement {
	return r.announcements
}

// Run distributes incoming frames and drives retransmissions until ctx
// is done or the link closes.
func (r *Radio) Run(ctx context.Context) error {
	defer r.abort()
	frames := r.link.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil

		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("node %v: %w", r.Addr(), link.ErrClosed)
			}
			switch f.Kind {
			case link.AckFrame:
				r.onAck(ctx, f)
			case link.DataFrame:
				r.onData(ctx, f)
			case link.BroadcastFrame:
				r.onBroadcast(f)
			}

		case seq := <-r.ackTimeouts:
			r.onAckTimeout(ctx, seq)
		}
	}
}

func (r *Radio) transmit(f link.Frame) error {
	err := r.link.Transmit(f)
	if err == nil {
		r.metrics.FrameSent(f.Kind.String())
	}
	return err
}

func (r *Radio) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.done)
	if r.inflight != nil {
		r.inflight.timer.Stop()
		r.inflight = nil
	}
}
