// Package msgidbuffer remembers the last few message ids seen from a
// sender so retransmitted frames can be acked without being delivered twice.
package msgidbuffer

import "crossing/util/config"

const bufferSize = config.DEDUP_BUFFER_SIZE

// MessageIDBuffer holds the last bufferSize message ids. It overwrites in
// FIFO order. The zero value is an empty buffer.
type MessageIDBuffer struct {
	messageIDs [bufferSize]uint64
	size       int
	index      int
}

func (buf *MessageIDBuffer) Add(id uint64) {
	if buf.index == bufferSize {
		buf.index = 0
	}
	buf.messageIDs[buf.index] = id
	buf.index += 1
	if buf.size < bufferSize {
		buf.size += 1
	}
}

func (buf *MessageIDBuffer) Contains(id uint64) bool {
	for i := 0; i < buf.size; i++ {
		if buf.messageIDs[i] == id {
			return true
		}
	}
	return false
}

// Seen adds id and reports whether it was already in the buffer.
func (buf *MessageIDBuffer) Seen(id uint64) bool {
	if buf.Contains(id) {
		return true
	}
	buf.Add(id)
	return false
}
