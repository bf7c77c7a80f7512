// Package camera holds the data model shared by the capture pipeline and the
// contracts of its external collaborators (device engine, fences,
// post-processor, framework callbacks).
//
// This package is INTERNAL - clients use the re-exports in the root package.
package camera

import (
	"fmt"
	"time"

	"github.com/e7canasta/camhal/internal/metadata"
)

// StreamID identifies an output stream within one configuration.
type StreamID int

// BufferHandle is the framework's opaque buffer identity. Zero is the null handle.
type BufferHandle uint64

// Format is the pixel format requested for a stream.
type Format int

const (
	// FormatImplementationDefined lets the device pick (preview, video).
	FormatImplementationDefined Format = iota
	// FormatYUV420 is flexible YCbCr 4:2:0 (NV12 on the device side).
	FormatYUV420
	// FormatBlob is a compressed output (JPEG). Requires post-processing.
	FormatBlob
)

// String returns the config name of the format.
func (f Format) String() string {
	switch f {
	case FormatImplementationDefined:
		return "implementation_defined"
	case FormatYUV420:
		return "yuv420"
	case FormatBlob:
		return "blob"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a config name to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "implementation_defined", "":
		return FormatImplementationDefined, nil
	case "yuv420":
		return FormatYUV420, nil
	case "blob", "jpeg":
		return FormatBlob, nil
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidArgument, s)
	}
}

// Usage is how the device treats a stream.
type Usage int

const (
	// UsagePreview streams write straight into framework buffers.
	UsagePreview Usage = iota
	// UsageStillCapture streams write into pooled scratch memory and are
	// post-processed into the framework buffer.
	UsageStillCapture
)

// String implements fmt.Stringer.
func (u Usage) String() string {
	if u == UsageStillCapture {
		return "still_capture"
	}
	return "preview"
}

// Rotation of a framework stream, in degrees.
type Rotation int

// Supported rotations.
const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// StreamDescriptor describes one output stream.
type StreamDescriptor struct {
	// ID is chosen by the framework and unique within a configuration.
	ID StreamID
	// Width and Height in pixels, as requested by the framework.
	Width  int
	Height int
	Format Format
	// Rotation applied by post-processing; 90/270 swap device geometry.
	Rotation Rotation
	// MaxBuffers is filled by the device on configuration: how many buffers
	// of this stream may be outstanding at once.
	MaxBuffers int
	// Usage is derived from Format on configuration.
	Usage Usage
	// Size is the device frame size in bytes, derived on configuration.
	Size int
}

// NeedsScratch reports whether the stream draws device memory from a
// BufferPool instead of writing into framework buffers: compressed streams
// and streams rotated by 90 or 270 degrees.
func (d StreamDescriptor) NeedsScratch() bool {
	return d.Usage == UsageStillCapture || d.SwapsAxes()
}

// SwapsAxes reports whether the rotation exchanges width and height.
func (d StreamDescriptor) SwapsAxes() bool {
	return d.Rotation == Rotation90 || d.Rotation == Rotation270
}

// DeviceView returns the descriptor as the device sees it: axes swapped for
// 90/270 rotation and Size set to the NV12 frame size.
func (d StreamDescriptor) DeviceView() StreamDescriptor {
	if d.SwapsAxes() {
		d.Width, d.Height = d.Height, d.Width
	}
	d.Size = FrameSize(d.Width, d.Height)
	return d
}

// FrameSize is the byte size of an NV12 frame.
func FrameSize(width, height int) int {
	return width * height * 3 / 2
}

// Resolution returns "WxH".
func (d StreamDescriptor) Resolution() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// BufferStatus reports whether an output buffer holds valid content.
type BufferStatus int

const (
	// BufferOK means the buffer was filled.
	BufferOK BufferStatus = iota
	// BufferError means the buffer content must be discarded.
	BufferError
)

// String implements fmt.Stringer.
func (s BufferStatus) String() string {
	if s == BufferError {
		return "error"
	}
	return "ok"
}

// StreamBuffer is a framework-owned output buffer bound to a stream.
type StreamBuffer struct {
	Stream StreamID
	Handle BufferHandle
	// Data is the framework memory behind Handle.
	Data []byte
	// Fence is the acquire fence; nil means the buffer is ready.
	Fence Fence
	// Status is set by the pipeline before the buffer is returned.
	Status BufferStatus
	// Length is the number of valid bytes written (post-processed streams).
	Length int
}

// CaptureRequest is one frame's worth of work submitted by the framework.
//
// Caller-owned and read-only after submission.
type CaptureRequest struct {
	FrameNumber uint32
	// Settings apply to this frame. Nil reuses the previous request's settings.
	Settings      *metadata.Metadata
	OutputBuffers []StreamBuffer
}

// DeviceBuffer is the device-ready descriptor for one stream of one frame.
type DeviceBuffer struct {
	Stream StreamID
	// Addr is the address of Data[0]; stable for the buffer's lifetime and
	// used to match dequeued buffers with submitted ones.
	Addr uintptr
	Data []byte
	Size int
	// Width and Height of the device frame (NV12).
	Width  int
	Height int
	// Timestamp is the start-of-exposure time in nanoseconds, set by the device.
	Timestamp int64
	// Sequence is the device frame counter, set by the device.
	Sequence uint64
	// FrameNumber is the request that owns this buffer.
	FrameNumber uint32
}

// ShutterEvent reports start of exposure for a frame.
type ShutterEvent struct {
	FrameNumber uint32
	Timestamp   int64
}

// BufferEvent reports one filled output buffer.
type BufferEvent struct {
	FrameNumber uint32
	Timestamp   int64
	// Metadata is the device/algorithm result for the frame. Read-only for
	// the receiver; may be nil.
	Metadata     *metadata.Metadata
	OutputBuffer StreamBuffer
	// TraceID correlates logs across worker and aggregator.
	TraceID string
}

// CaptureResult is a partial result delivered to the framework: exactly one
// output buffer, plus the metadata snapshot on the first buffer of a frame.
type CaptureResult struct {
	FrameNumber  uint32
	Timestamp    int64
	OutputBuffer StreamBuffer
	// Metadata is owned by the receiver. Nil except on the first buffer.
	Metadata *metadata.Metadata
	// PartialResult is 1 when Metadata is attached, else 0.
	PartialResult int
	TraceID       string
}

// DefaultFenceTimeout and friends are the bounded waits of the pipeline.
const (
	DefaultFenceTimeout     = 300 * time.Millisecond
	DefaultDequeueTimeout   = 2000 * time.Millisecond
	DefaultIdleTimeout      = 2000 * time.Millisecond
	DefaultAdmissionTimeout = 2000 * time.Millisecond
	DefaultFlushTimeout     = 1000 * time.Millisecond
)

// MaxStreams is the largest stream set one configuration may hold
// (preview, video, still, postview).
const MaxStreams = 4
