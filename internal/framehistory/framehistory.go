// Package framehistory keeps the current camera frame plus a short ring
// of the frames before it, for consumers that need temporal context.
package framehistory

import (
	"time"
)

// DefaultCapacity is the number of previous frames retained.
const DefaultCapacity = 2

// Record is one raw frame. Seq is assigned by the frame source and
// increases monotonically over a run.
type Record struct {
	Seq      uint64
	Captured time.Time
	Width    int
	Height   int
	Data     []byte
}

// History holds the current frame and a bounded FIFO ring of previous
// frames. It is not safe for concurrent use; the engine's frame loop is its
// only writer.
type History struct {
	frames   []Record
	capacity int
	head     int // next write position in frames
	size     int // number of previous frames stored

	current    Record
	hasCurrent bool
}

// New creates a history retaining capacity previous frames.
func New(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &History{
		frames:   make([]Record, capacity),
		capacity: capacity,
	}
}

// Push makes rec the current frame and demotes the previous current frame
// into the ring, evicting the oldest entry once the ring is full.
func (h *History) Push(rec Record) {
	if h.hasCurrent {
		h.frames[h.head] = h.current
		h.head = (h.head + 1) % h.capacity
		if h.size < h.capacity {
			h.size++
		}
	}
	h.current = rec
	h.hasCurrent = true
}

// Sufficient reports whether at least required frames (previous plus
// current) are held.
func (h *History) Sufficient(required int) bool {
	return h.Count() >= required
}

// Count returns the number of frames held, including the current one.
func (h *History) Count() int {
	if !h.hasCurrent {
		return 0
	}
	return h.size + 1
}

// Capacity returns the maximum number of previous frames retained.
func (h *History) Capacity() int {
	return h.capacity
}

// Current returns the newest frame.
func (h *History) Current() (Record, bool) {
	return h.current, h.hasCurrent
}

// Previous returns the retained previous frames from oldest to newest.
func (h *History) Previous() []Record {
	if h.size == 0 {
		return nil
	}
	result := make([]Record, h.size)
	for i := 0; i < h.size; i++ {
		idx := (h.head - h.size + i + h.capacity) % h.capacity
		result[i] = h.frames[idx]
	}
	return result
}

// Clear drops every frame.
func (h *History) Clear() {
	for i := range h.frames {
		h.frames[i] = Record{}
	}
	h.head = 0
	h.size = 0
	h.current = Record{}
	h.hasCurrent = false
}
