// Package stream implements the per-stream worker that drains device
// completions in submission order.
//
// Goroutine topology:
//   - 1 per active stream: loop (spawned by SetActive(true), stopped by SetActive(false))
//   - N external: submitters calling Prepare / EnqueueCompletion / Abort
//
// Delivery: each enqueued record produces exactly one ShutterDone followed
// by exactly one BufferDone, unless the worker is deactivated first, in which
// case unresolved records are discarded without events (at-most-once).
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/e7canasta/camhal/internal/bufpool"
	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/fpsstats"
	"github.com/e7canasta/camhal/internal/metadata"
	"github.com/e7canasta/camhal/internal/metrics"
)

// EventSink receives completion events, shutter first.
type EventSink interface {
	ShutterDone(ev camera.ShutterEvent)
	BufferDone(ev camera.BufferEvent)
}

// Options configures a Worker. Zero durations take the camera defaults.
type Options struct {
	Device        camera.Device
	PostProcessor camera.PostProcessor
	Sink          EventSink

	// MaxInFlight sizes the record queue and the scratch pools.
	MaxInFlight int

	FenceTimeout   time.Duration
	DequeueTimeout time.Duration
	IdleTimeout    time.Duration
	Retry          RetryConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 1
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = camera.DefaultFenceTimeout
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = camera.DefaultDequeueTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = camera.DefaultIdleTimeout
	}
	if o.Retry == (RetryConfig{}) {
		o.Retry = DefaultRetryConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// wrapper is the reusable device-side view of a framework buffer handle.
type wrapper struct {
	handle camera.BufferHandle
	// dev wraps framework memory for streams the device writes directly.
	dev      *camera.DeviceBuffer
	inFlight bool
	// fenceFailed marks the current submission of the handle as errored.
	fenceFailed bool
}

// record is one pending completion, in submission order.
type record struct {
	frameNumber uint32
	output      camera.StreamBuffer
	main        *camera.DeviceBuffer
	thumbnail   *camera.DeviceBuffer
	traceID     string
	enqueuedAt  time.Time
	fenceFailed bool
}

// Worker drains one output stream.
//
// Thread-safety: all methods are safe for concurrent use. Events are emitted
// from the worker goroutine with no lock held.
type Worker struct {
	desc  camera.StreamDescriptor
	thumb *camera.StreamDescriptor
	opts  Options

	logger *slog.Logger

	// --- Guarded by mu ---

	mu        sync.Mutex
	active    bool
	wrappers  map[camera.BufferHandle]*wrapper
	records   chan *record
	pool      *bufpool.Pool
	thumbPool *bufpool.Pool
	cancel    context.CancelFunc

	wg sync.WaitGroup

	// --- Operational stats ---

	completed       atomic.Uint64
	dequeueTimeouts atomic.Uint64
	idleTimeouts    atomic.Uint64
	mismatches      atomic.Uint64
	postFailures    atomic.Uint64
	fenceTimeouts   atomic.Uint64
	dropped         atomic.Uint64
	deviceRetries   atomic.Uint64
	lastCompletion  atomic.Int64
	rate            *fpsstats.Window
}

// New returns an inactive worker for desc, the device view of the stream.
// thumb is the shadow thumbnail stream of a BLOB stream, or nil.
func New(desc camera.StreamDescriptor, thumb *camera.StreamDescriptor, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		desc:     desc,
		thumb:    thumb,
		opts:     opts,
		logger:   opts.Logger.With("component", "stream", "stream", int(desc.ID)),
		wrappers: make(map[camera.BufferHandle]*wrapper),
		rate:     fpsstats.NewWindow(0),
	}
}

// Descriptor returns the device view of the stream.
func (w *Worker) Descriptor() camera.StreamDescriptor { return w.desc }

// Thumbnail returns the shadow thumbnail stream, or nil.
func (w *Worker) Thumbnail() *camera.StreamDescriptor { return w.thumb }

// Resize changes the in-flight capacity. Only allowed while inactive.
func (w *Worker) Resize(maxInFlight int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return fmt.Errorf("%w: resize of active stream %d", camera.ErrInvalidState, w.desc.ID)
	}
	if maxInFlight > 0 {
		w.opts.MaxInFlight = maxInFlight
	}
	return nil
}

// IsActive reports whether the worker loop is running.
func (w *Worker) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// SetActive starts or stops the worker.
//
// Activation allocates the scratch pools (sized to MaxInFlight) when the
// stream needs them and spawns the loop. Deactivation cancels the loop, waits
// for it to exit, discards unresolved records, releases every wrapper and
// destroys the pools. Both directions are idempotent.
func (w *Worker) SetActive(active bool) error {
	if active {
		return w.start()
	}
	w.stop()
	return nil
}

func (w *Worker) start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		return nil
	}

	if w.desc.NeedsScratch() {
		pool := bufpool.New(w.poolName(w.desc.ID), w.opts.Logger)
		if err := pool.Allocate(w.desc.Size, w.opts.MaxInFlight); err != nil {
			return fmt.Errorf("stream %d: %w", w.desc.ID, err)
		}
		w.pool = pool

		if w.thumb != nil {
			tp := bufpool.New(w.poolName(w.thumb.ID), w.opts.Logger)
			if err := tp.Allocate(w.thumb.Size, w.opts.MaxInFlight); err != nil {
				pool.Destroy()
				w.pool = nil
				return fmt.Errorf("stream %d thumbnail: %w", w.desc.ID, err)
			}
			w.thumbPool = tp
		}
		w.publishPools()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.records = make(chan *record, w.opts.MaxInFlight)
	w.active = true
	w.rate.Reset()

	w.wg.Add(1)
	go w.loop(ctx, w.records)

	w.logger.Info("stream: worker started",
		"resolution", w.desc.Resolution(),
		"format", w.desc.Format.String(),
		"max_in_flight", w.opts.MaxInFlight,
		"scratch", w.desc.NeedsScratch(),
		"thumbnail", w.thumb != nil,
	)
	return nil
}

func (w *Worker) stop() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	cancel := w.cancel
	records := w.records
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	// No sender can reach records once active is false.
	discarded := 0
drain:
	for {
		select {
		case rec := <-records:
			w.release(rec)
			discarded++
		default:
			break drain
		}
	}

	w.mu.Lock()
	clear(w.wrappers)
	if w.pool != nil {
		w.pool.Destroy()
		w.opts.Metrics.DeletePool(w.poolName(w.desc.ID))
		w.pool = nil
	}
	if w.thumbPool != nil {
		w.thumbPool.Destroy()
		w.opts.Metrics.DeletePool(w.poolName(w.thumb.ID))
		w.thumbPool = nil
	}
	w.records = nil
	w.cancel = nil
	w.mu.Unlock()

	if discarded > 0 {
		w.dropped.Add(uint64(discarded))
		w.logger.Warn("stream: discarded pending records on teardown", "count", discarded)
	}
	w.logger.Info("stream: worker stopped")
}

// Prepare validates output and returns its device-ready descriptors: the
// main buffer, then the thumbnail buffer when the stream has a shadow stream.
//
// The acquire fence is waited for up to FenceTimeout; on expiry the buffer is
// still submitted so the frame completes, but it comes back as BufferError.
// Scratch streams draw a blob from the
// pool (ErrResourceExhausted when none is free). A handle seen before reuses
// its wrapper; a handle still in flight is rejected.
func (w *Worker) Prepare(output camera.StreamBuffer) ([]*camera.DeviceBuffer, error) {
	if output.Stream != w.desc.ID {
		return nil, fmt.Errorf("%w: buffer for stream %d sent to stream %d",
			camera.ErrInvalidArgument, output.Stream, w.desc.ID)
	}
	if output.Handle == 0 {
		return nil, fmt.Errorf("%w: null buffer handle on stream %d", camera.ErrInvalidArgument, w.desc.ID)
	}
	fenceFailed := output.Fence != nil && !output.Fence.Wait(w.opts.FenceTimeout)
	if fenceFailed {
		w.fenceTimeouts.Add(1)
		w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventFenceTimeout)
		w.logger.Warn("stream: acquire fence timed out, buffer will be returned errored",
			"handle", uint64(output.Handle),
			"timeout", w.opts.FenceTimeout,
		)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return nil, fmt.Errorf("%w: stream %d inactive", camera.ErrInvalidState, w.desc.ID)
	}

	wr := w.wrappers[output.Handle]
	if wr == nil {
		wr = &wrapper{handle: output.Handle}
		w.wrappers[output.Handle] = wr
	}
	if wr.inFlight {
		return nil, fmt.Errorf("%w: handle %d already in flight", camera.ErrInvalidArgument, output.Handle)
	}

	var bufs []*camera.DeviceBuffer
	if w.desc.NeedsScratch() {
		if len(output.Data) == 0 {
			return nil, fmt.Errorf("%w: empty output buffer on stream %d", camera.ErrInvalidArgument, w.desc.ID)
		}
		blob, ok := w.pool.Get()
		if !ok {
			return nil, fmt.Errorf("%w: scratch pool of stream %d", camera.ErrResourceExhausted, w.desc.ID)
		}
		bufs = append(bufs, w.scratchBuffer(w.desc, blob))

		if w.thumbPool != nil {
			tb, ok := w.thumbPool.Get()
			if !ok {
				w.pool.Return(blob.Addr)
				return nil, fmt.Errorf("%w: thumbnail pool of stream %d", camera.ErrResourceExhausted, w.desc.ID)
			}
			bufs = append(bufs, w.scratchBuffer(*w.thumb, tb))
		}
	} else {
		if len(output.Data) < w.desc.Size {
			return nil, fmt.Errorf("%w: output buffer of %d bytes, stream %d needs %d",
				camera.ErrInvalidArgument, len(output.Data), w.desc.ID, w.desc.Size)
		}
		addr := addrOf(output.Data)
		if wr.dev == nil || wr.dev.Addr != addr {
			wr.dev = &camera.DeviceBuffer{
				Stream: w.desc.ID,
				Addr:   addr,
				Data:   output.Data[:w.desc.Size],
				Size:   w.desc.Size,
				Width:  w.desc.Width,
				Height: w.desc.Height,
			}
		}
		wr.dev.Timestamp, wr.dev.Sequence, wr.dev.FrameNumber = 0, 0, 0
		bufs = append(bufs, wr.dev)
	}

	wr.inFlight = true
	wr.fenceFailed = fenceFailed
	w.publishPools()
	return bufs, nil
}

// Abort undoes Prepare when the request could not be submitted.
func (w *Worker) Abort(output camera.StreamBuffer, bufs []*camera.DeviceBuffer) {
	w.release(&record{output: output, main: first(bufs), thumbnail: second(bufs)})
}

// EnqueueCompletion queues the completion of a submitted frame and wakes
// the loop. Must be called in device submission order.
func (w *Worker) EnqueueCompletion(frameNumber uint32, output camera.StreamBuffer, bufs []*camera.DeviceBuffer) error {
	rec := &record{
		frameNumber: frameNumber,
		output:      output,
		main:        first(bufs),
		thumbnail:   second(bufs),
		traceID:     uuid.NewString(),
		enqueuedAt:  time.Now(),
	}
	if rec.main == nil {
		return fmt.Errorf("%w: no device buffer for frame %d", camera.ErrInvalidArgument, frameNumber)
	}

	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		w.release(rec)
		return fmt.Errorf("%w: stream %d inactive", camera.ErrInvalidState, w.desc.ID)
	}
	if wr := w.wrappers[output.Handle]; wr != nil {
		rec.fenceFailed = wr.fenceFailed
	}
	select {
	case w.records <- rec:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.release(rec)
		return fmt.Errorf("%w: record queue of stream %d full", camera.ErrResourceExhausted, w.desc.ID)
	}

	w.logger.Debug("stream: record enqueued",
		"frame", frameNumber,
		"trace_id", rec.traceID,
	)
	return nil
}

// loop drains records until ctx is cancelled.
//
// Algorithm:
//  1. Wait for a record (IdleTimeout bounded; expiry is logged, wait resumes)
//  2. Dequeue the stream (and its thumbnail) from the device
//  3. Verify the dequeued buffer is the one submitted
//  4. Post-process, return scratch blobs
//  5. Emit ShutterDone, then BufferDone
func (w *Worker) loop(ctx context.Context, records <-chan *record) {
	defer w.wg.Done()

	idle := time.NewTimer(w.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case rec := <-records:
			w.process(ctx, rec)

		case <-idle.C:
			w.idleTimeouts.Add(1)
			w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventIdleTimeout)
			w.logger.Debug("stream: no pending records", "waited", w.opts.IdleTimeout)
		}
		idle.Reset(w.opts.IdleTimeout)
	}
}

func (w *Worker) process(ctx context.Context, rec *record) {
	log := w.logger.With("frame", rec.frameNumber, "trace_id", rec.traceID)

	got, meta, err := w.dequeue(ctx, w.desc.ID)
	if err != nil {
		if ctx.Err() != nil {
			// Teardown: no events for this record.
			w.release(rec)
			w.dropped.Add(1)
			return
		}
		log.Error("stream: dequeue failed, failing frame", "error", err)
		rec.output.Status = camera.BufferError
		w.emit(rec, time.Now().UnixNano(), nil)
		return
	}

	status := camera.BufferOK
	if got.Addr != rec.main.Addr {
		w.mismatches.Add(1)
		w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventMismatch)
		log.Error("stream: dequeued buffer does not match submission",
			"error", camera.ErrProtocolMismatch,
			"expected", fmt.Sprintf("%#x", rec.main.Addr),
			"got", fmt.Sprintf("%#x", got.Addr),
			"sequence", got.Sequence,
		)
		status = camera.BufferError
	}

	var thumb *camera.DeviceBuffer
	if rec.thumbnail != nil {
		tb, _, err := w.dequeue(ctx, rec.thumbnail.Stream)
		switch {
		case err != nil && ctx.Err() != nil:
			w.release(rec)
			w.dropped.Add(1)
			return
		case err != nil:
			log.Warn("stream: thumbnail dequeue failed, encoding without thumbnail", "error", err)
		case tb.Addr != rec.thumbnail.Addr:
			w.mismatches.Add(1)
			w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventMismatch)
			log.Warn("stream: thumbnail buffer mismatch, encoding without thumbnail",
				"error", camera.ErrProtocolMismatch)
		default:
			thumb = tb
		}
	}

	if rec.fenceFailed && status == camera.BufferOK {
		log.Warn("stream: returning buffer errored after acquire fence timeout")
		status = camera.BufferError
	}

	if status == camera.BufferOK {
		status = w.postProcess(log, rec, got, thumb, meta)
	} else {
		rec.output.Length = 0
	}
	rec.output.Status = status

	w.emit(rec, got.Timestamp, meta)
}

// postProcess fills the framework buffer of scratch streams.
func (w *Worker) postProcess(log *slog.Logger, rec *record, in, thumb *camera.DeviceBuffer, meta *metadata.Metadata) camera.BufferStatus {
	if !w.desc.NeedsScratch() {
		rec.output.Length = w.desc.Size
		return camera.BufferOK
	}

	var (
		n   int
		err error
	)
	switch {
	case w.opts.PostProcessor == nil:
		err = errors.New("no post-processor configured")
	case w.desc.Format == camera.FormatBlob:
		n, err = w.opts.PostProcessor.Encode(in, thumb, meta, rec.output.Data)
	default:
		r, ok := w.opts.PostProcessor.(camera.Rotator)
		if !ok {
			err = errors.New("post-processor cannot rotate")
			break
		}
		n, err = r.Rotate(in, w.desc.Rotation, rec.output.Data)
	}
	if err != nil {
		w.postFailures.Add(1)
		w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventPostProcessFail)
		log.Error("stream: post-processing failed", "error", err)
		rec.output.Length = 0
		return camera.BufferError
	}
	rec.output.Length = n
	return camera.BufferOK
}

// emit returns scratch memory, then reports shutter and buffer in order.
func (w *Worker) emit(rec *record, timestamp int64, meta *metadata.Metadata) {
	w.release(rec)

	now := time.Now()
	w.completed.Add(1)
	w.lastCompletion.Store(now.UnixNano())
	w.rate.Add(now)
	w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventCompleted)
	w.opts.Metrics.ObserveCompletionLatency(int(w.desc.ID), now.Sub(rec.enqueuedAt))

	w.opts.Sink.ShutterDone(camera.ShutterEvent{
		FrameNumber: rec.frameNumber,
		Timestamp:   timestamp,
	})
	w.opts.Sink.BufferDone(camera.BufferEvent{
		FrameNumber:  rec.frameNumber,
		Timestamp:    timestamp,
		Metadata:     meta,
		OutputBuffer: rec.output,
		TraceID:      rec.traceID,
	})
}

// dequeue waits for the next buffer of id. Timeouts are logged and retried
// indefinitely; other device errors are retried with exponential backoff up
// to Retry.MaxRetries. Returns ctx.Err() once ctx is cancelled.
func (w *Worker) dequeue(ctx context.Context, id camera.StreamID) (*camera.DeviceBuffer, *metadata.Metadata, error) {
	failures := 0
	for {
		dctx, cancel := context.WithTimeout(ctx, w.opts.DequeueTimeout)
		buf, meta, err := w.opts.Device.Dequeue(dctx, id)
		cancel()

		if err == nil {
			return buf, meta, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, camera.ErrTimeout) {
			w.dequeueTimeouts.Add(1)
			w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventDequeueTimeout)
			w.logger.Warn("stream: dequeue timed out, retrying",
				"device_stream", int(id),
				"timeout", w.opts.DequeueTimeout,
			)
			continue
		}

		failures++
		if failures > w.opts.Retry.MaxRetries {
			return nil, nil, fmt.Errorf("%w: dequeue of stream %d: %v (after %d retries)",
				camera.ErrDeviceFailure, id, err, w.opts.Retry.MaxRetries)
		}

		delay := backoff(failures, w.opts.Retry)
		w.deviceRetries.Add(1)
		w.opts.Metrics.IncStreamEvent(int(w.desc.ID), metrics.EventDeviceRetry)
		w.logger.Warn("stream: dequeue failed, retrying",
			"error", err,
			"attempt", failures,
			"max_retries", w.opts.Retry.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		}
	}
}

// release returns the scratch blobs of rec and frees its wrapper.
func (w *Worker) release(rec *record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pool != nil && rec.main != nil {
		w.pool.Return(rec.main.Addr)
	}
	if w.thumbPool != nil && rec.thumbnail != nil {
		w.thumbPool.Return(rec.thumbnail.Addr)
	}
	if wr, ok := w.wrappers[rec.output.Handle]; ok {
		wr.inFlight = false
		wr.fenceFailed = false
	}
	w.publishPools()
}

// publishPools must be called with mu held.
func (w *Worker) publishPools() {
	if w.pool != nil {
		s := w.pool.Stats()
		w.opts.Metrics.SetPool(w.poolName(w.desc.ID), s.Busy, s.Capacity)
	}
	if w.thumbPool != nil {
		s := w.thumbPool.Stats()
		w.opts.Metrics.SetPool(w.poolName(w.thumb.ID), s.Busy, s.Capacity)
	}
}

func (w *Worker) poolName(id camera.StreamID) string {
	return fmt.Sprintf("stream-%d", id)
}

func (w *Worker) scratchBuffer(d camera.StreamDescriptor, blob *bufpool.Blob) *camera.DeviceBuffer {
	return &camera.DeviceBuffer{
		Stream: d.ID,
		Addr:   blob.Addr,
		Data:   blob.Data[:d.Size],
		Size:   d.Size,
		Width:  d.Width,
		Height: d.Height,
	}
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func first(bufs []*camera.DeviceBuffer) *camera.DeviceBuffer {
	if len(bufs) > 0 {
		return bufs[0]
	}
	return nil
}

func second(bufs []*camera.DeviceBuffer) *camera.DeviceBuffer {
	if len(bufs) > 1 {
		return bufs[1]
	}
	return nil
}
