// Package link moves raw frames between nodes. It knows nothing about
// acknowledgements or retries; that lives in package comm.
package link

import (
	"crossing/util/config"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("link closed")

type FrameKind uint8

const (
	DataFrame FrameKind = iota
	AckFrame
	BroadcastFrame
)

func (k FrameKind) String() string {
	switch k {
	case DataFrame:
		return "data"
	case AckFrame:
		return "ack"
	case BroadcastFrame:
		return "broadcast"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// Frame is one radio transmission. Dst is ignored for broadcast frames.
type Frame struct {
	Kind    FrameKind
	Src     config.Address
	Dst     config.Address
	Seq     uint8
	Payload []byte
}

// Link is one node's radio.
type Link interface {
	Addr() config.Address
	// Transmit puts f on the air. A nil error says nothing about delivery.
	Transmit(f Frame) error
	// Frames delivers every frame addressed to this node or broadcast.
	Frames() <-chan Frame
	Close() error
}

// accepts reports whether a radio at addr should hand f up the stack.
func accepts(addr config.Address, f Frame) bool {
	if f.Src == addr {
		return false
	}
	return f.Kind == BroadcastFrame || f.Dst == addr
}
