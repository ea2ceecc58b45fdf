package comm

import (
	"context"
	"crossing/radio/link"
	"crossing/radio/messages"
	"crossing/util/config"
	"crossing/util/msgidbuffer"
	"time"
)

// Transmitting reports whether a reliable send is waiting for its ack.
func (r *Radio) Transmitting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight != nil
}

// Send starts a reliable send of msg to dst. Only one send may be in
// flight; while one is, Send returns ErrTransmitting and nothing is sent.
// The result arrives later on Outcomes().
func (r *Radio) Send(dst config.Address, msg messages.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != nil {
		return ErrTransmitting
	}
	r.seq++
	p := &pending{to: dst, msg: msg, seq: r.seq}
	r.inflight = p
	r.attempt(p)
	return nil
}

// attempt transmits p once and arms its ack timeout. Called with mu held.
func (r *Radio) attempt(p *pending) {
	p.attempts++
	if p.attempts > 1 {
		r.metrics.Retransmission()
		r.logger.Debug("retransmitting", "to", p.to, "msg", p.msg, "attempt", p.attempts)
	}
	err := r.transmit(link.Frame{Kind: link.DataFrame, Dst: p.to, Seq: p.seq, Payload: p.msg.Encode()})
	if err != nil {
		// a failed transmission is just a lost frame; the ack timeout retries it
		r.logger.Warn("transmit failed", "to", p.to, "error", err)
	}
	seq := p.seq
	p.timer = time.AfterFunc(r.opts.AckTimeout, func() {
		select {
		case r.ackTimeouts <- seq:
		case <-r.done:
		}
	})
}

func (r *Radio) onAckTimeout(ctx context.Context, seq uint8) {
	r.mu.Lock()
	p := r.inflight
	if p == nil || p.seq != seq {
		r.mu.Unlock()
		return
	}
	if p.attempts < r.opts.Attempts {
		r.attempt(p)
		r.mu.Unlock()
		return
	}
	r.inflight = nil
	r.mu.Unlock()

	r.logger.Warn("send timed out", "to", p.to, "msg", p.msg, "attempts", p.attempts)
	r.complete(ctx, p, TimedOut)
}

func (r *Radio) onAck(ctx context.Context, f link.Frame) {
	r.mu.Lock()
	p := r.inflight
	if p == nil || p.to != f.Src || p.seq != f.Seq {
		r.mu.Unlock()
		return
	}
	p.timer.Stop()
	r.inflight = nil
	r.mu.Unlock()

	r.complete(ctx, p, Delivered)
}

func (r *Radio) complete(ctx context.Context, p *pending, result Result) {
	r.metrics.SendOutcome(result.String())
	select {
	case r.outcomes <- Outcome{To: p.to, Msg: p.msg, Result: result, Attempts: p.attempts}:
	case <-ctx.Done():
	}
}

// onData acks every data frame, including retransmissions, but hands each
// sequence number from a sender up only once.
func (r *Radio) onData(ctx context.Context, f link.Frame) {
	if err := r.transmit(link.Frame{Kind: link.AckFrame, Dst: f.Src, Seq: f.Seq}); err != nil {
		r.logger.Warn("ack failed", "to", f.Src, "error", err)
	}

	buf, ok := r.seen[f.Src]
	if !ok {
		buf = &msgidbuffer.MessageIDBuffer{}
		r.seen[f.Src] = buf
	}
	if buf.Seen(uint64(f.Seq)) {
		r.metrics.Duplicate()
		r.logger.Debug("duplicate frame", "from", f.Src, "seq", f.Seq)
		return
	}

	msg, err := messages.Decode(f.Payload)
	if err != nil {
		r.logger.Warn("dropping message", "from", f.Src, "error", err)
		return
	}
	r.logger.Debug("received", "from", f.Src, "msg", msg)
	select {
	case r.received <- Delivery{From: f.Src, Msg: msg}:
	case <-ctx.Done():
	}
}
