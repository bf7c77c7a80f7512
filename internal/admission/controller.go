// Package admission is the entry point of the capture pipeline.
//
// The Controller throttles outstanding requests through a bounded SlotTable,
// fans each request out to its stream workers, submits it to the device and
// registers it with the result aggregator. Slots are freed when the
// aggregator reports a frame fully returned.
//
// Lock order: submitMu → mu → reqMu. Callbacks from workers and the
// aggregator only ever take reqMu. Close and ConfigureStreams preempt
// submitters blocked on a slot before taking submitMu, so teardown is bounded
// by FlushTimeout even when the device has stalled.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
	"github.com/e7canasta/camhal/internal/metrics"
	"github.com/e7canasta/camhal/internal/result"
	"github.com/e7canasta/camhal/internal/stream"
)

// DefaultMaxInFlight caps in-flight requests when Options leaves it unset.
const DefaultMaxInFlight = 10

// DefaultFlushPollInterval is how often Flush checks the in-flight count.
const DefaultFlushPollInterval = 10 * time.Millisecond

// State of the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateStreamsConfigured
	StateProcessing
	StateFlushing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateStreamsConfigured:
		return "streams_configured"
	case StateProcessing:
		return "processing"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Device        camera.Device
	PostProcessor camera.PostProcessor

	// MaxInFlight caps in-flight requests; the effective value is also
	// bounded by the smallest MaxBuffers the device reports.
	MaxInFlight int

	AdmissionTimeout  time.Duration
	FlushTimeout      time.Duration
	FlushPollInterval time.Duration
	FenceTimeout      time.Duration
	DequeueTimeout    time.Duration
	IdleTimeout       time.Duration
	Retry             stream.RetryConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.AdmissionTimeout <= 0 {
		o.AdmissionTimeout = camera.DefaultAdmissionTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = camera.DefaultFlushTimeout
	}
	if o.FlushPollInterval <= 0 {
		o.FlushPollInterval = DefaultFlushPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller admits capture requests. Create with New, then Init.
//
// Thread-safety: all methods are safe for concurrent use. ProcessCaptureRequest
// calls are serialized, which keeps per-stream submission order.
type Controller struct {
	opts    Options
	device  camera.Device
	logger  *slog.Logger
	metrics *metrics.Metrics
	session string

	// submitMu serializes submission with reconfiguration and teardown.
	submitMu sync.Mutex

	// --- Guarded by mu ---

	mu            sync.Mutex
	state         State
	agg           *result.Aggregator
	workers       map[camera.StreamID]*stream.Worker
	order         []camera.StreamID
	deviceStarted bool
	templates     map[Template]*metadata.Metadata
	// flushSeq identifies the flush owning StateFlushing.
	flushSeq uint64

	// --- Guarded by reqMu ---

	reqMu sync.Mutex
	slots *SlotTable
	// freed is closed and replaced whenever a slot frees or draining starts.
	freed chan struct{}

	draining atomic.Bool
	// preempted counts Close/ConfigureStreams calls waiting for submitMu.
	preempted atomic.Int32

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// New returns a controller in the Idle state.
func New(opts Options) *Controller {
	opts.setDefaults()
	session := uuid.NewString()
	return &Controller{
		opts:    opts,
		device:  opts.Device,
		logger:  opts.Logger.With("component", "admission", "session", session),
		metrics: opts.Metrics,
		session: session,
		workers: make(map[camera.StreamID]*stream.Worker),
		slots:   NewSlotTable(opts.MaxInFlight),
		freed:   make(chan struct{}),
	}
}

// Init moves Idle → Initialized: builds the result aggregator delivering to
// cb and the default request templates.
func (c *Controller) Init(cb camera.Callbacks) error {
	if c.device == nil {
		return fmt.Errorf("%w: no device", camera.ErrInvalidArgument)
	}
	if cb == nil {
		return fmt.Errorf("%w: nil callbacks", camera.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("%w: init in state %s", camera.ErrInvalidState, c.state)
	}
	c.agg = result.New(result.Options{
		Callbacks: cb,
		Returner:  c,
		Logger:    c.opts.Logger,
		Metrics:   c.metrics,
	})
	c.templates = buildTemplates()
	c.state = StateInitialized

	c.logger.Info("admission: initialized", "max_in_flight_cap", c.opts.MaxInFlight)
	return nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the id of this controller, attached to its logs.
func (c *Controller) Session() string { return c.session }

// ConstructDefaultRequestSettings returns a copy of the default settings of
// template t.
func (c *Controller) ConstructDefaultRequestSettings(t Template) (*metadata.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.templates == nil {
		return nil, fmt.Errorf("%w: not initialized", camera.ErrInvalidState)
	}
	m, ok := c.templates[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %d", camera.ErrInvalidArgument, int(t))
	}
	return m.Clone(), nil
}

// ProcessCaptureRequest admits req.
//
// Invalid requests fail with ErrInvalidArgument and no side effects. The call
// then blocks until an in-flight slot is free: each AdmissionTimeout of
// waiting is logged and the wait continues until ctx is done or a flush,
// Close or reconfiguration starts (ErrInvalidState). Once admitted, every output buffer is prepared
// by its worker, the request is registered with the aggregator, submitted
// to the device, and its completions are queued on the workers. Any failure
// after admission rolls all of that back.
func (c *Controller) ProcessCaptureRequest(ctx context.Context, req camera.CaptureRequest) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	workers, agg, err := c.validate(req)
	if err != nil {
		c.rejected.Add(1)
		c.metrics.ObserveRequest(metrics.OutcomeRejected)
		c.logger.Warn("admission: request rejected", "frame", req.FrameNumber, "error", err)
		return err
	}

	waitStart := time.Now()
	slot, err := c.acquireSlot(ctx, req.FrameNumber)
	c.metrics.ObserveAdmissionWait(time.Since(waitStart))
	if err != nil {
		c.rejected.Add(1)
		c.metrics.ObserveRequest(metrics.OutcomeRejected)
		return err
	}

	if err := c.submit(req, slot, workers, agg); err != nil {
		c.releaseSlot(req.FrameNumber)
		c.metrics.ObserveRequest(metrics.OutcomeFailed)
		c.logger.Error("admission: request failed", "frame", req.FrameNumber, "error", err)
		return err
	}

	c.submitted.Add(1)
	c.metrics.ObserveRequest(metrics.OutcomeAccepted)
	return nil
}

// validate checks req against the current configuration and returns the
// worker of each output buffer, in request order.
func (c *Controller) validate(req camera.CaptureRequest) ([]*stream.Worker, *result.Aggregator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreamsConfigured && c.state != StateProcessing {
		return nil, nil, fmt.Errorf("%w: request in state %s", camera.ErrInvalidState, c.state)
	}
	if c.agg == nil {
		return nil, nil, fmt.Errorf("%w: request without result aggregator", camera.ErrInvalidState)
	}
	if len(req.OutputBuffers) == 0 {
		return nil, nil, fmt.Errorf("%w: frame %d has no output buffers", camera.ErrInvalidArgument, req.FrameNumber)
	}

	workers := make([]*stream.Worker, len(req.OutputBuffers))
	seen := make(map[camera.StreamID]bool, len(req.OutputBuffers))
	for i, b := range req.OutputBuffers {
		w, ok := c.workers[b.Stream]
		if !ok {
			return nil, nil, fmt.Errorf("%w: frame %d buffer on unconfigured stream %d",
				camera.ErrInvalidArgument, req.FrameNumber, b.Stream)
		}
		if b.Handle == 0 {
			return nil, nil, fmt.Errorf("%w: frame %d null handle on stream %d",
				camera.ErrInvalidArgument, req.FrameNumber, b.Stream)
		}
		if seen[b.Stream] {
			return nil, nil, fmt.Errorf("%w: frame %d has two buffers on stream %d",
				camera.ErrInvalidArgument, req.FrameNumber, b.Stream)
		}
		seen[b.Stream] = true
		workers[i] = w
	}

	if req.Settings == nil && !c.agg.HasSettings() {
		return nil, nil, fmt.Errorf("%w: frame %d: first request must carry settings",
			camera.ErrInvalidArgument, req.FrameNumber)
	}

	c.reqMu.Lock()
	dup := c.slots.Contains(req.FrameNumber)
	c.reqMu.Unlock()
	if dup {
		return nil, nil, fmt.Errorf("%w: frame %d already in flight", camera.ErrInvalidArgument, req.FrameNumber)
	}
	return workers, c.agg, nil
}

// acquireSlot waits for a free slot and reserves it in the same critical
// section that observed it.
func (c *Controller) acquireSlot(ctx context.Context, frameNumber uint32) (*Slot, error) {
	timer := time.NewTimer(c.opts.AdmissionTimeout)
	defer timer.Stop()

	waited := 0
	for {
		c.reqMu.Lock()
		if c.draining.Load() {
			c.reqMu.Unlock()
			return nil, fmt.Errorf("%w: flush in progress", camera.ErrInvalidState)
		}
		if c.preempted.Load() > 0 {
			c.reqMu.Unlock()
			return nil, fmt.Errorf("%w: close or reconfiguration in progress", camera.ErrInvalidState)
		}
		if slot, ok := c.slots.Acquire(frameNumber); ok {
			inFlight := c.slots.InFlight()
			c.reqMu.Unlock()
			c.metrics.SetInFlight(inFlight)
			return slot, nil
		}
		freed := c.freed
		c.reqMu.Unlock()

		select {
		case <-freed:
		case <-timer.C:
			waited++
			c.logger.Warn("admission: still waiting for a free slot",
				"frame", frameNumber,
				"waited", time.Duration(waited)*c.opts.AdmissionTimeout,
			)
			timer.Reset(c.opts.AdmissionTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// submit prepares, registers, submits and enqueues an admitted request.
func (c *Controller) submit(req camera.CaptureRequest, slot *Slot, workers []*stream.Worker, agg *result.Aggregator) error {
	prepared := make([][]*camera.DeviceBuffer, 0, len(req.OutputBuffers))
	abort := func() {
		for i, bufs := range prepared {
			workers[i].Abort(req.OutputBuffers[i], bufs)
		}
	}

	var all []*camera.DeviceBuffer
	for i, out := range req.OutputBuffers {
		bufs, err := workers[i].Prepare(out)
		if err != nil {
			abort()
			return err
		}
		for _, b := range bufs {
			b.FrameNumber = req.FrameNumber
		}
		prepared = append(prepared, bufs)
		all = append(all, bufs...)
	}

	if err := agg.RegisterRequest(req); err != nil {
		abort()
		return err
	}

	if err := c.device.Submit(req.FrameNumber, all, req.Settings); err != nil {
		agg.Unregister(req.FrameNumber)
		abort()
		return fmt.Errorf("%w: submit frame %d: %v", camera.ErrDeviceFailure, req.FrameNumber, err)
	}

	if err := c.startDevice(); err != nil {
		_ = c.device.Stop()
		agg.Unregister(req.FrameNumber)
		abort()
		return err
	}

	c.reqMu.Lock()
	for i, bufs := range prepared {
		slot.Buffers[req.OutputBuffers[i].Stream] = bufs
	}
	c.reqMu.Unlock()

	for i, bufs := range prepared {
		if err := workers[i].EnqueueCompletion(req.FrameNumber, req.OutputBuffers[i], bufs); err != nil {
			// The device holds a buffer no record will claim, so its queues
			// can no longer be matched to the workers: start over.
			c.logger.Error("admission: completion not queued, discarding in-flight requests",
				"frame", req.FrameNumber,
				"stream", int(req.OutputBuffers[i].Stream),
				"error", err,
			)
			for j := i + 1; j < len(prepared); j++ {
				workers[j].Abort(req.OutputBuffers[j], prepared[j])
			}
			agg.Unregister(req.FrameNumber)
			c.discardInFlight()
			return fmt.Errorf("%w: frame %d: %v", camera.ErrDeviceFailure, req.FrameNumber, err)
		}
	}

	c.logger.Debug("admission: request submitted",
		"frame", req.FrameNumber,
		"buffers", len(all),
	)
	return nil
}

// startDevice starts the device on the first submission after configuration.
func (c *Controller) startDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.deviceStarted {
		if err := c.device.Start(); err != nil {
			return fmt.Errorf("%w: start: %v", camera.ErrDeviceFailure, err)
		}
		c.deviceStarted = true
		c.logger.Info("admission: device started")
	}
	if c.state == StateStreamsConfigured {
		c.state = StateProcessing
	}
	return nil
}

// OnFrameReturned frees the slot of a fully returned frame and wakes
// waiting submitters. Called by the aggregator.
func (c *Controller) OnFrameReturned(frameNumber uint32) {
	if !c.releaseSlot(frameNumber) {
		c.logger.Warn("admission: returned frame holds no slot", "frame", frameNumber)
	}
}

func (c *Controller) releaseSlot(frameNumber uint32) bool {
	c.reqMu.Lock()
	ok := c.slots.Release(frameNumber)
	if ok {
		c.wakeLocked()
	}
	inFlight := c.slots.InFlight()
	c.reqMu.Unlock()

	c.metrics.SetInFlight(inFlight)
	return ok
}

// wakeLocked must be called with reqMu held.
func (c *Controller) wakeLocked() {
	close(c.freed)
	c.freed = make(chan struct{})
}

// InFlight returns the number of admitted, not yet returned requests.
func (c *Controller) InFlight() int {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.slots.InFlight()
}

// MaxInFlight returns the effective in-flight capacity.
func (c *Controller) MaxInFlight() int {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.slots.Capacity()
}

// Flush drains in-flight requests.
//
// New requests are rejected with ErrInvalidState while flushing. The
// in-flight count is polled every FlushPollInterval for up to FlushTimeout.
// On expiry the remaining requests are discarded without results, the state
// is still marked drained, and ErrTimeout is returned. Either way, once Flush
// returns no result fires for a request admitted before it.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateProcessing:
		c.state = StateFlushing
	case StateFlushing:
		c.mu.Unlock()
		return fmt.Errorf("%w: flush already in progress", camera.ErrInvalidState)
	default:
		c.mu.Unlock()
		return nil
	}
	c.flushSeq++
	seq := c.flushSeq
	c.mu.Unlock()

	drained := c.drain(ctx)
	if !drained {
		c.submitMu.Lock()
		// Close may have torn everything down while we waited.
		if c.ownsFlush(seq) {
			c.discardInFlight()
		}
		c.submitMu.Unlock()
	}
	return c.finishFlush(seq, drained)
}

// flushLocked is Flush for callers already holding submitMu.
func (c *Controller) flushLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateProcessing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateFlushing
	c.flushSeq++
	seq := c.flushSeq
	c.mu.Unlock()

	drained := c.drain(ctx)
	if !drained {
		c.discardInFlight()
	}
	return c.finishFlush(seq, drained)
}

// ownsFlush reports whether the flush numbered seq still owns StateFlushing.
func (c *Controller) ownsFlush(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateFlushing && c.flushSeq == seq
}

// drain blocks new admissions and polls until nothing is in flight. It
// reports false on timeout or ctx expiry.
func (c *Controller) drain(ctx context.Context) bool {
	c.reqMu.Lock()
	c.draining.Store(true)
	c.wakeLocked()
	c.reqMu.Unlock()

	deadline := time.NewTimer(c.opts.FlushTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.opts.FlushPollInterval)
	defer poll.Stop()

	for {
		if c.InFlight() == 0 {
			return true
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// finishFlush ends flush seq. A flush overtaken by Close leaves the state
// alone; admissions reopen unless another flush now owns StateFlushing.
func (c *Controller) finishFlush(seq uint64, drained bool) error {
	c.mu.Lock()
	if c.state == StateFlushing && c.flushSeq == seq {
		c.state = StateStreamsConfigured
	}
	if c.state != StateFlushing {
		c.draining.Store(false)
	}
	c.mu.Unlock()

	c.metrics.ObserveFlush(drained)
	if !drained {
		c.logger.Warn("admission: flush timed out, in-flight requests discarded",
			"timeout", c.opts.FlushTimeout)
		return fmt.Errorf("%w: flush did not drain within %s", camera.ErrTimeout, c.opts.FlushTimeout)
	}
	c.logger.Info("admission: flushed")
	return nil
}

// discardInFlight forgets every in-flight request: workers are cycled
// (dropping their pending records without events), the device is stopped,
// the aggregator forgets pending frames and every slot is freed. Must be
// called with submitMu held.
func (c *Controller) discardInFlight() {
	c.mu.Lock()
	workers := c.activeWorkersLocked()
	agg := c.agg
	c.mu.Unlock()

	deactivate(workers)
	c.stopDevice()

	if agg != nil {
		c.reqMu.Lock()
		frames := c.slots.Frames()
		c.reqMu.Unlock()
		for _, f := range frames {
			agg.Unregister(f)
		}
	}

	c.reqMu.Lock()
	n := c.slots.InFlight()
	c.slots.Reset()
	c.wakeLocked()
	c.reqMu.Unlock()
	c.metrics.SetInFlight(0)

	for _, w := range workers {
		if err := w.SetActive(true); err != nil {
			c.logger.Error("admission: worker restart failed", "stream", int(w.Descriptor().ID), "error", err)
		}
	}
	if n > 0 {
		c.logger.Warn("admission: discarded in-flight requests", "count", n)
	}
}

func (c *Controller) stopDevice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deviceStarted {
		return
	}
	if err := c.device.Stop(); err != nil {
		c.logger.Error("admission: device stop failed", "error", err)
	}
	c.deviceStarted = false
	c.logger.Info("admission: device stopped")
}

// Close flushes, stops the device, retires every worker and releases the
// aggregator. The controller returns to Idle and may be initialized again.
func (c *Controller) Close() error {
	defer c.preemptSubmitters()()
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	flushErr := c.flushLocked(context.Background())

	c.stopDevice()

	c.mu.Lock()
	workers := c.activeWorkersLocked()
	c.workers = make(map[camera.StreamID]*stream.Worker)
	c.order = nil
	agg := c.agg
	c.agg = nil
	c.templates = nil
	c.state = StateIdle
	c.mu.Unlock()

	deactivate(workers)
	if agg != nil {
		agg.Close()
	}

	c.reqMu.Lock()
	c.slots.Reset()
	c.draining.Store(false)
	c.wakeLocked()
	c.reqMu.Unlock()
	c.metrics.SetInFlight(0)

	c.logger.Info("admission: closed")
	if errors.Is(flushErr, camera.ErrTimeout) {
		return nil
	}
	return flushErr
}

// preemptSubmitters makes submitters waiting for a slot, and those arriving
// later, fail with ErrInvalidState until the returned func is called.
func (c *Controller) preemptSubmitters() (resume func()) {
	c.reqMu.Lock()
	c.preempted.Add(1)
	c.wakeLocked()
	c.reqMu.Unlock()
	return func() { c.preempted.Add(-1) }
}

// activeWorkersLocked must be called with mu held.
func (c *Controller) activeWorkersLocked() []*stream.Worker {
	out := make([]*stream.Worker, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.workers[id])
	}
	return out
}
