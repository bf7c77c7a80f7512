package camera

import (
	"context"
	"time"

	"github.com/e7canasta/camhal/internal/metadata"
)

// Device is the device/buffer engine the pipeline drives.
//
// Contract:
//   - ConfigureStreams is called with the device idle (stopped). It returns
//     the descriptors with MaxBuffers filled in.
//   - Submit queues every buffer of one frame; it must not block on
//     completion.
//   - Dequeue blocks until the oldest queued buffer of streamID is filled,
//     ctx expires, or the device stops. Buffers of one stream come back in
//     submission order.
//   - Start and Stop are called by the pipeline, never concurrently.
type Device interface {
	ConfigureStreams(streams []StreamDescriptor) ([]StreamDescriptor, error)
	Start() error
	Stop() error
	Submit(frameNumber uint32, buffers []*DeviceBuffer, settings *metadata.Metadata) error
	Dequeue(ctx context.Context, streamID StreamID) (*DeviceBuffer, *metadata.Metadata, error)
}

// Fence signals that the producer side of a buffer is done with it.
type Fence interface {
	// Wait blocks up to timeout and reports whether the fence signaled.
	Wait(timeout time.Duration) bool
}

// PostProcessor turns a filled device buffer into the framework output
// (JPEG for BLOB streams). Invoked synchronously on the worker goroutine.
//
// thumbnail may be nil. Encode writes into output and returns the number of
// bytes written.
type PostProcessor interface {
	Encode(input, thumbnail *DeviceBuffer, meta *metadata.Metadata, output []byte) (int, error)
}

// Rotator is implemented by post-processors that can rotate NV12 frames for
// streams configured with a 90 or 270 degree rotation.
type Rotator interface {
	Rotate(input *DeviceBuffer, rotation Rotation, output []byte) (int, error)
}

// Callbacks receives pipeline results. Methods are invoked on whichever
// goroutine produced the event: implementations must be safe for concurrent
// use and must not call back into the pipeline synchronously.
type Callbacks interface {
	OnShutter(frameNumber uint32, timestamp int64)
	OnCaptureResult(result CaptureResult)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	Shutter func(frameNumber uint32, timestamp int64)
	Result  func(result CaptureResult)
}

// OnShutter implements Callbacks.
func (f CallbackFuncs) OnShutter(frameNumber uint32, timestamp int64) {
	if f.Shutter != nil {
		f.Shutter(frameNumber, timestamp)
	}
}

// OnCaptureResult implements Callbacks.
func (f CallbackFuncs) OnCaptureResult(result CaptureResult) {
	if f.Result != nil {
		f.Result(result)
	}
}

// SignaledFence is a Fence that is always ready.
type SignaledFence struct{}

// Wait implements Fence.
func (SignaledFence) Wait(time.Duration) bool { return true }

// ChanFence signals when the channel is closed.
type ChanFence <-chan struct{}

// Wait implements Fence.
func (c ChanFence) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c:
		return true
	case <-t.C:
		return false
	}
}
