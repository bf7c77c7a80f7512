// Package metadata implements the tag/value buffers that travel with capture
// requests and results, plus the pool that recycles them.
//
// Ownership contract:
//   - A *Metadata has exactly one owner at a time.
//   - Ownership moves by explicit hand-off (Pool.Acquire → owner → Pool.Release).
//   - Results handed to callers are snapshots (Clone), never pooled objects.
//
// Tag semantics are opaque to this package: a tag maps to a slice of int64
// values and nothing here interprets them.
package metadata

import (
	"fmt"
	"sort"
	"strconv"
)

// Tag identifies a metadata entry.
type Tag uint32

// Tags produced or consumed by the pipeline itself. Device backends may use
// any other value.
const (
	TagSensorTimestamp Tag = iota + 1
	TagSensorExposureTime
	TagSensorSensitivity
	TagControlCaptureIntent
	TagControlMode
	TagControlAEMode
	TagControlAEState
	TagControlAFMode
	TagControlAFState
	TagControlAWBMode
	TagControlAWBState
	TagJpegQuality
	TagJpegThumbnailSize
	TagJpegOrientation
	TagRequestID
	TagPartialResultIndex
)

var tagNames = map[Tag]string{
	TagSensorTimestamp:      "sensor.timestamp",
	TagSensorExposureTime:   "sensor.exposure_time",
	TagSensorSensitivity:    "sensor.sensitivity",
	TagControlCaptureIntent: "control.capture_intent",
	TagControlMode:          "control.mode",
	TagControlAEMode:        "control.ae_mode",
	TagControlAEState:       "control.ae_state",
	TagControlAFMode:        "control.af_mode",
	TagControlAFState:       "control.af_state",
	TagControlAWBMode:       "control.awb_mode",
	TagControlAWBState:      "control.awb_state",
	TagJpegQuality:          "jpeg.quality",
	TagJpegThumbnailSize:    "jpeg.thumbnail_size",
	TagJpegOrientation:      "jpeg.orientation",
	TagRequestID:            "request.id",
	TagPartialResultIndex:   "request.partial_result",
}

// String returns the dotted name of a known tag, or "tag.<n>" otherwise.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "tag." + strconv.FormatUint(uint64(t), 10)
}

// Metadata is a mutable tag → values buffer.
//
// Not safe for concurrent use: callers serialize access through ownership.
type Metadata struct {
	entries map[Tag][]int64

	// pooled is true while the object sits in a Pool free list.
	pooled bool
}

// New returns an empty Metadata.
func New() *Metadata {
	return &Metadata{entries: make(map[Tag][]int64)}
}

// Set replaces the values of tag. The values slice is copied.
func (m *Metadata) Set(tag Tag, values ...int64) {
	m.entries[tag] = append([]int64(nil), values...)
}

// Get returns the values of tag. The returned slice must not be modified.
func (m *Metadata) Get(tag Tag) ([]int64, bool) {
	v, ok := m.entries[tag]
	return v, ok
}

// Int64 returns the first value of tag.
func (m *Metadata) Int64(tag Tag) (int64, bool) {
	v, ok := m.entries[tag]
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// Delete removes tag.
func (m *Metadata) Delete(tag Tag) {
	delete(m.entries, tag)
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	return len(m.entries)
}

// IsEmpty reports whether m is nil or has no entries.
func (m *Metadata) IsEmpty() bool {
	return m == nil || len(m.entries) == 0
}

// Tags returns all tags in ascending order.
func (m *Metadata) Tags() []Tag {
	tags := make([]Tag, 0, len(m.entries))
	for t := range m.entries {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Reset drops all entries, keeping the allocated map.
func (m *Metadata) Reset() {
	clear(m.entries)
}

// CopyFrom clears m and deep-copies every entry of src into it.
// A nil src leaves m empty.
func (m *Metadata) CopyFrom(src *Metadata) {
	m.Reset()
	m.Merge(src)
}

// Merge deep-copies every entry of src into m, overwriting shared tags.
func (m *Metadata) Merge(src *Metadata) {
	if src == nil || src == m {
		return
	}
	for t, v := range src.entries {
		m.entries[t] = append([]int64(nil), v...)
	}
}

// Clone returns an independent deep copy of m.
func (m *Metadata) Clone() *Metadata {
	c := &Metadata{entries: make(map[Tag][]int64, len(m.entries))}
	c.Merge(m)
	return c
}

// Equal reports whether m and other hold the same entries.
func (m *Metadata) Equal(other *Metadata) bool {
	if m.IsEmpty() || other.IsEmpty() {
		return m.IsEmpty() == other.IsEmpty()
	}
	if len(m.entries) != len(other.entries) {
		return false
	}
	for t, v := range m.entries {
		ov, ok := other.entries[t]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

// MarshalYAML renders entries keyed by tag name, for dumps.
func (m *Metadata) MarshalYAML() (interface{}, error) {
	out := make(map[string][]int64, len(m.entries))
	for t, v := range m.entries {
		out[t.String()] = v
	}
	return out, nil
}

// String implements fmt.Stringer.
func (m *Metadata) String() string {
	return fmt.Sprintf("metadata(%d entries)", len(m.entries))
}
