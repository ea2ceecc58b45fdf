package comm

import (
	"crossing/radio/link"
)

// Broadcast transmits payload once to every node in range. There is no
// ack and no retry.
func (r *Radio) Broadcast(payload []byte) error {
	return r.transmit(link.Frame{Kind: link.BroadcastFrame, Payload: payload})
}

func (r *Radio) onBroadcast(f link.Frame) {
	select {
	case r.announcements <- Announcement{From: f.Src, Payload: f.Payload}:
	default:
		r.logger.Debug("broadcast dropped, nobody listening", "from", f.Src)
	}
}
