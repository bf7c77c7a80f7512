// Package result correlates per-stream completion events into capture
// results and detects when a frame is fully returned.
//
// Per frame, the aggregator guarantees:
//   - OnShutter fires once, before any OnCaptureResult of that frame
//   - OnCaptureResult fires once per output buffer; the first carries a
//     metadata snapshot
//   - FrameReturner.OnFrameReturned fires once, after the last result
//
// Events for different frames interleave freely and are keyed by frame
// number. Callbacks are invoked with no lock held.
package result

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
	"github.com/e7canasta/camhal/internal/metrics"
)

// PartialResultCount is the number of metadata deliveries per frame.
const PartialResultCount = 1

// Drop reasons reported to metrics and logs.
const (
	dropUnknownFrame    = "unknown_frame"
	dropUnexpectedBuf   = "unexpected_stream"
	dropDuplicateBuffer = "duplicate_buffer"
)

// FrameReturner is told when every result of a frame has been delivered.
type FrameReturner interface {
	OnFrameReturned(frameNumber uint32)
}

// FrameReturnerFunc adapts a function to FrameReturner.
type FrameReturnerFunc func(frameNumber uint32)

// OnFrameReturned implements FrameReturner.
func (f FrameReturnerFunc) OnFrameReturned(frameNumber uint32) { f(frameNumber) }

// Options configures an Aggregator.
type Options struct {
	Callbacks camera.Callbacks
	Returner  FrameReturner
	// Pool recycles request metadata; a private pool is created when nil.
	Pool    *metadata.Pool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// requestState tracks one registered frame.
type requestState struct {
	frameNumber uint32

	buffersToReturn int
	buffersReturned int
	partialReturned int

	// shutterClaimed is set by the goroutine that emits OnShutter;
	// shutterEmitted once it returned, at which point shutterCh is closed.
	shutterClaimed bool
	shutterEmitted bool
	shutterCh      chan struct{}

	expected map[camera.StreamID]bool
	returned map[camera.StreamID]bool

	// meta is owned by the state until completion.
	meta *metadata.Metadata
	done bool
}

// Aggregator matches shutter and buffer events per frame.
//
// Thread-safety: all methods are safe for concurrent use.
type Aggregator struct {
	cb       camera.Callbacks
	returner FrameReturner
	pool     *metadata.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	requests     map[uint32]*requestState
	lastSettings *metadata.Metadata

	completed atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a snapshot of the aggregator.
type Stats struct {
	Pending   int                `yaml:"pending" json:"pending"`
	Completed uint64             `yaml:"completed" json:"completed"`
	Dropped   uint64             `yaml:"dropped" json:"dropped"`
	Pool      metadata.PoolStats `yaml:"metadata_pool" json:"metadata_pool"`
}

// New returns an empty aggregator.
func New(opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool == nil {
		opts.Pool = metadata.NewPool(opts.Logger)
	}
	if opts.Callbacks == nil {
		opts.Callbacks = camera.CallbackFuncs{}
	}
	if opts.Returner == nil {
		opts.Returner = FrameReturnerFunc(func(uint32) {})
	}
	return &Aggregator{
		cb:       opts.Callbacks,
		returner: opts.Returner,
		pool:     opts.Pool,
		logger:   opts.Logger.With("component", "result"),
		metrics:  opts.Metrics,
		requests: make(map[uint32]*requestState),
	}
}

// HasSettings reports whether a request without settings can be registered.
func (a *Aggregator) HasSettings() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSettings != nil
}

// RegisterRequest creates the state of a frame. It must be called before
// any completion of the frame can occur.
//
// The request settings (or, when nil, the previous request's settings) are
// deep-copied into a pooled Metadata. A frame number already registered, or
// a nil-settings request with no previous settings, is ErrInvalidArgument.
func (a *Aggregator) RegisterRequest(req camera.CaptureRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.requests[req.FrameNumber]; ok {
		return fmt.Errorf("%w: frame %d already registered", camera.ErrInvalidArgument, req.FrameNumber)
	}
	settings := req.Settings
	if settings == nil {
		settings = a.lastSettings
	}
	if settings == nil {
		return fmt.Errorf("%w: frame %d has no settings and none were sent before",
			camera.ErrInvalidArgument, req.FrameNumber)
	}

	meta := a.pool.Acquire()
	meta.CopyFrom(settings)
	if req.Settings != nil {
		if a.lastSettings == nil {
			a.lastSettings = metadata.New()
		}
		a.lastSettings.CopyFrom(req.Settings)
	}

	st := &requestState{
		frameNumber:     req.FrameNumber,
		buffersToReturn: len(req.OutputBuffers),
		shutterCh:       make(chan struct{}),
		expected:        make(map[camera.StreamID]bool, len(req.OutputBuffers)),
		returned:        make(map[camera.StreamID]bool, len(req.OutputBuffers)),
		meta:            meta,
	}
	for _, b := range req.OutputBuffers {
		st.expected[b.Stream] = true
	}
	a.requests[req.FrameNumber] = st
	a.metrics.SetPendingFrames(len(a.requests))
	return nil
}

// Unregister drops a frame whose submission failed. No callback fires.
// It reports whether the frame was registered.
func (a *Aggregator) Unregister(frameNumber uint32) bool {
	a.mu.Lock()
	st, ok := a.requests[frameNumber]
	if ok {
		delete(a.requests, frameNumber)
		st.done = true
	}
	a.metrics.SetPendingFrames(len(a.requests))
	a.mu.Unlock()

	if ok {
		a.pool.Release(st.meta)
	}
	return ok
}

// ShutterDone emits the frame's shutter notification the first time it is
// reported; later reports are ignored.
func (a *Aggregator) ShutterDone(ev camera.ShutterEvent) {
	a.mu.Lock()
	st := a.requests[ev.FrameNumber]
	if st == nil {
		a.mu.Unlock()
		a.drop(dropUnknownFrame, ev.FrameNumber, "shutter")
		return
	}
	if st.shutterClaimed {
		a.mu.Unlock()
		return
	}
	st.shutterClaimed = true
	a.mu.Unlock()

	if a.emitShutter(st, ev.Timestamp) {
		a.finish(st)
	}
}

// emitShutter delivers the shutter of a claimed frame and reports whether
// that completed the frame.
func (a *Aggregator) emitShutter(st *requestState, timestamp int64) bool {
	a.cb.OnShutter(st.frameNumber, timestamp)
	a.metrics.IncShutter()

	a.mu.Lock()
	defer a.mu.Unlock()
	st.shutterEmitted = true
	close(st.shutterCh)
	return a.checkRequestDone(st)
}

// BufferDone merges the buffer's metadata into the frame and emits its
// capture result, after the frame's shutter notification has been delivered.
func (a *Aggregator) BufferDone(ev camera.BufferEvent) {
	stream := ev.OutputBuffer.Stream

	a.mu.Lock()
	st := a.requests[ev.FrameNumber]
	switch {
	case st == nil:
		a.mu.Unlock()
		a.drop(dropUnknownFrame, ev.FrameNumber, "buffer")
		return
	case !st.expected[stream]:
		a.mu.Unlock()
		a.drop(dropUnexpectedBuf, ev.FrameNumber, "buffer", "stream", int(stream))
		return
	case st.returned[stream]:
		a.mu.Unlock()
		a.drop(dropDuplicateBuffer, ev.FrameNumber, "buffer", "stream", int(stream))
		return
	}
	st.returned[stream] = true

	st.meta.Merge(ev.Metadata)
	st.meta.Set(metadata.TagSensorTimestamp, ev.Timestamp)

	res := camera.CaptureResult{
		FrameNumber:  ev.FrameNumber,
		Timestamp:    ev.Timestamp,
		OutputBuffer: ev.OutputBuffer,
		TraceID:      ev.TraceID,
	}
	if st.partialReturned < PartialResultCount {
		st.partialReturned++
		res.Metadata = st.meta.Clone()
		res.Metadata.Set(metadata.TagPartialResultIndex, int64(st.partialReturned))
		res.PartialResult = st.partialReturned
	}
	// A buffer reported without its shutter implies the shutter at the
	// buffer's timestamp.
	claim := !st.shutterClaimed
	st.shutterClaimed = true
	shutter := st.shutterCh
	a.mu.Unlock()

	if claim {
		a.emitShutter(st, ev.Timestamp)
	} else {
		<-shutter
	}

	a.cb.OnCaptureResult(res)
	a.metrics.IncResult(res.OutputBuffer.Status.String())

	a.mu.Lock()
	st.buffersReturned++
	done := a.checkRequestDone(st)
	a.mu.Unlock()

	if done {
		a.finish(st)
	}
}

// checkRequestDone must be called with mu held. It reports true exactly once
// per frame, removing the frame from the map.
func (a *Aggregator) checkRequestDone(st *requestState) bool {
	if st.done {
		return false
	}
	if !st.shutterEmitted ||
		st.partialReturned != PartialResultCount ||
		st.buffersReturned != st.buffersToReturn {
		return false
	}
	st.done = true
	delete(a.requests, st.frameNumber)
	a.metrics.SetPendingFrames(len(a.requests))
	return true
}

func (a *Aggregator) finish(st *requestState) {
	a.pool.Release(st.meta)
	st.meta = nil
	a.completed.Add(1)
	a.metrics.IncFrameCompleted()

	a.logger.Debug("result: frame returned", "frame", st.frameNumber)
	a.returner.OnFrameReturned(st.frameNumber)
}

func (a *Aggregator) drop(reason string, frame uint32, kind string, args ...any) {
	a.dropped.Add(1)
	a.metrics.IncAggregatorDrop(reason)
	a.logger.Warn("result: event dropped",
		append([]any{"reason", reason, "frame", frame, "event", kind}, args...)...)
}

// Pending returns the number of registered frames not yet returned.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Close forgets every pending frame without callbacks and clears the last
// settings.
func (a *Aggregator) Close() {
	a.mu.Lock()
	pending := make([]*requestState, 0, len(a.requests))
	for _, st := range a.requests {
		st.done = true
		pending = append(pending, st)
	}
	clear(a.requests)
	a.lastSettings = nil
	a.metrics.SetPendingFrames(0)
	a.mu.Unlock()

	for _, st := range pending {
		a.pool.Release(st.meta)
	}
	if len(pending) > 0 {
		a.logger.Warn("result: closed with pending frames", "count", len(pending))
	}
}

// Stats returns a snapshot.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Pending:   a.Pending(),
		Completed: a.completed.Load(),
		Dropped:   a.dropped.Load(),
		Pool:      a.pool.Stats(),
	}
}
