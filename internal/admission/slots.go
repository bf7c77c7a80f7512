package admission

import (
	"slices"

	"github.com/e7canasta/camhal/internal/camera"
)

// Slot is one in-flight request.
type Slot struct {
	FrameNumber uint32
	// Buffers holds the device descriptors submitted per stream.
	Buffers map[camera.StreamID][]*camera.DeviceBuffer

	busy bool
}

// SlotTable is a fixed-capacity table of in-flight requests with O(1)
// acquire and release: a free-index stack plus a frame-number index.
//
// Not safe for concurrent use; the Controller guards it with its request lock.
type SlotTable struct {
	slots   []Slot
	free    []int
	byFrame map[uint32]int
}

// NewSlotTable returns an empty table of the given capacity.
func NewSlotTable(capacity int) *SlotTable {
	t := &SlotTable{}
	t.Resize(capacity)
	return t
}

// Resize drops every slot and sets a new capacity (at least 1).
func (t *SlotTable) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	t.slots = make([]Slot, capacity)
	t.free = make([]int, capacity)
	for i := range t.free {
		// Pop order hands out slot 0 first.
		t.free[i] = capacity - 1 - i
	}
	t.byFrame = make(map[uint32]int, capacity)
}

// Reset frees every slot, keeping the capacity.
func (t *SlotTable) Reset() {
	t.Resize(len(t.slots))
}

// Acquire reserves a slot for frameNumber. ok is false when the table is
// full or the frame is already in flight.
func (t *SlotTable) Acquire(frameNumber uint32) (slot *Slot, ok bool) {
	if _, dup := t.byFrame[frameNumber]; dup {
		return nil, false
	}
	n := len(t.free)
	if n == 0 {
		return nil, false
	}
	idx := t.free[n-1]
	t.free = t.free[:n-1]

	s := &t.slots[idx]
	s.FrameNumber = frameNumber
	s.Buffers = make(map[camera.StreamID][]*camera.DeviceBuffer)
	s.busy = true
	t.byFrame[frameNumber] = idx
	return s, true
}

// Release frees the slot of frameNumber and reports whether it was busy.
func (t *SlotTable) Release(frameNumber uint32) bool {
	idx, ok := t.byFrame[frameNumber]
	if !ok {
		return false
	}
	delete(t.byFrame, frameNumber)
	t.slots[idx] = Slot{}
	t.free = append(t.free, idx)
	return true
}

// Contains reports whether frameNumber holds a slot.
func (t *SlotTable) Contains(frameNumber uint32) bool {
	_, ok := t.byFrame[frameNumber]
	return ok
}

// InFlight returns the number of busy slots.
func (t *SlotTable) InFlight() int { return len(t.byFrame) }

// Capacity returns the table size.
func (t *SlotTable) Capacity() int { return len(t.slots) }

// Full reports whether every slot is busy.
func (t *SlotTable) Full() bool { return len(t.free) == 0 }

// Frames returns the in-flight frame numbers in ascending order.
func (t *SlotTable) Frames() []uint32 {
	frames := make([]uint32, 0, len(t.byFrame))
	for f := range t.byFrame {
		frames = append(frames, f)
	}
	slices.Sort(frames)
	return frames
}
