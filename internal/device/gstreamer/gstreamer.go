//go:build gstreamer

// Package gstreamer is a camera.Device backed by GStreamer test sources.
//
// Each configured stream runs its own pipeline:
//
//	videotestsrc → videoconvert → videoscale → capsfilter(NV12) → appsink
//
// Frames pulled from the appsink are copied into the oldest submitted buffer
// of the stream. Frames arriving while nothing is queued are dropped, the
// same as a sensor running ahead of the request queue.
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
)

// Available reports whether this build links GStreamer.
const Available = true

type frame struct {
	data []byte
	at   time.Time
}

type pending struct {
	frameNumber uint32
	buf         *camera.DeviceBuffer
	settings    *metadata.Metadata
}

type gstStream struct {
	desc     camera.StreamDescriptor
	pipeline *gst.Pipeline
	sink     *app.Sink
	frames   chan frame
	queue    []*pending
	dropped  atomic.Uint64
}

// Device is a GStreamer camera.Device.
type Device struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{}
	streams map[camera.StreamID]*gstStream
	started bool
	seq     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a stopped, unconfigured device. GStreamer is initialized on
// first use.
func New(opts Options) (*Device, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	gst.Init(nil)
	return &Device{
		opts:    opts,
		logger:  opts.Logger.With("component", "gst-device"),
		changed: make(chan struct{}),
		streams: make(map[camera.StreamID]*gstStream),
	}, nil
}

func (d *Device) broadcast() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// ConfigureStreams implements camera.Device. Pipelines are built here and
// left in the NULL state until Start.
func (d *Device) ConfigureStreams(streams []camera.StreamDescriptor) ([]camera.StreamDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil, fmt.Errorf("%w: configure while streaming", camera.ErrInvalidState)
	}
	d.teardownLocked()

	out := make([]camera.StreamDescriptor, len(streams))
	built := make(map[camera.StreamID]*gstStream, len(streams))
	for i, s := range streams {
		s.MaxBuffers = d.opts.MaxBuffers
		if s.Size == 0 {
			s.Size = camera.FrameSize(s.Width, s.Height)
		}
		gs, err := d.build(s)
		if err != nil {
			for _, b := range built {
				b.pipeline.SetState(gst.StateNull)
			}
			return nil, fmt.Errorf("stream %d: %w", s.ID, err)
		}
		built[s.ID] = gs
		out[i] = s
	}
	d.streams = built
	d.broadcast()

	d.logger.Info("gst: streams configured",
		"count", len(out),
		"pattern", d.opts.Pattern,
		"fps", d.opts.FrameRate,
	)
	return out, nil
}

func (d *Device) build(desc camera.StreamDescriptor) (*gstStream, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("videotestsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("pattern", d.opts.pattern)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1",
		desc.Width, desc.Height, d.opts.FrameRate)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(d.opts.MaxBuffers))
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to link elements: %w", err)
	}

	gs := &gstStream{
		desc:     desc,
		pipeline: pipeline,
		sink:     sink,
		frames:   make(chan frame, d.opts.MaxBuffers),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return d.onSample(gs, s)
		},
	})
	d.logger.Debug("gst: pipeline built", "stream", desc.ID, "caps", capsStr)
	return gs, nil
}

// onSample copies the frame out of GStreamer memory and hands it to Dequeue.
// A full channel drops the frame.
func (d *Device) onSample(gs *gstStream, sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	f := frame{data: make([]byte, len(data)), at: time.Now()}
	copy(f.data, data)
	buffer.Unmap()

	select {
	case gs.frames <- f:
	default:
		if n := gs.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Debug("gst: frame dropped, nothing queued", "stream", gs.desc.ID, "dropped_total", n)
		}
	}
	return gst.FlowOK
}

// Start implements camera.Device.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	for id, gs := range d.streams {
		if err := gs.pipeline.SetState(gst.StatePlaying); err != nil {
			for _, other := range d.streams {
				other.pipeline.SetState(gst.StateNull)
			}
			return fmt.Errorf("stream %d: failed to start pipeline: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for _, gs := range d.streams {
		d.wg.Add(1)
		go d.monitor(ctx, gs)
	}
	d.started = true
	d.broadcast()
	d.logger.Info("gst: device started")
	return nil
}

// monitor logs bus errors and end of stream until ctx is cancelled.
func (d *Device) monitor(ctx context.Context, gs *gstStream) {
	defer d.wg.Done()
	bus := gs.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			d.logger.Error("gst: pipeline error",
				"stream", gs.desc.ID,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
		case gst.MessageEOS:
			d.logger.Warn("gst: end of stream", "stream", gs.desc.ID)
		}
	}
}

// Stop implements camera.Device. Queued buffers and buffered frames are
// discarded.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel := d.cancel
	d.cancel = nil
	for _, gs := range d.streams {
		gs.pipeline.SetState(gst.StateNull)
		gs.queue = nil
		drainFrames(gs.frames)
	}
	d.broadcast()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.logger.Info("gst: device stopped")
	return nil
}

// Close stops the device and releases every pipeline.
func (d *Device) Close() error {
	err := d.Stop()
	d.mu.Lock()
	d.teardownLocked()
	d.mu.Unlock()
	return err
}

func (d *Device) teardownLocked() {
	for _, gs := range d.streams {
		gs.pipeline.SetState(gst.StateNull)
	}
	d.streams = make(map[camera.StreamID]*gstStream)
}

func drainFrames(ch chan frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Submit implements camera.Device.
func (d *Device) Submit(frameNumber uint32, buffers []*camera.DeviceBuffer, settings *metadata.Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range buffers {
		if _, ok := d.streams[b.Stream]; !ok {
			return fmt.Errorf("%w: unknown stream %d", camera.ErrInvalidArgument, b.Stream)
		}
	}
	var snapshot *metadata.Metadata
	if settings != nil {
		snapshot = settings.Clone()
	}
	for _, b := range buffers {
		gs := d.streams[b.Stream]
		gs.queue = append(gs.queue, &pending{frameNumber: frameNumber, buf: b, settings: snapshot})
	}
	d.broadcast()
	return nil
}

// Dequeue implements camera.Device.
func (d *Device) Dequeue(ctx context.Context, id camera.StreamID) (*camera.DeviceBuffer, *metadata.Metadata, error) {
	for {
		d.mu.Lock()
		gs, ok := d.streams[id]
		if !ok {
			d.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: unknown stream %d", camera.ErrInvalidArgument, id)
		}
		ready := d.started && len(gs.queue) > 0
		changed := d.changed
		d.mu.Unlock()

		if !ready {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-changed:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-changed:
			continue
		case f := <-gs.frames:
			if buf, meta, ok := d.fill(gs, f); ok {
				return buf, meta, nil
			}
		}
	}
}

// fill copies f into the head of the stream queue. It reports false when the
// queue was emptied by Stop after the frame arrived.
func (d *Device) fill(gs *gstStream, f frame) (*camera.DeviceBuffer, *metadata.Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || len(gs.queue) == 0 {
		return nil, nil, false
	}
	head := gs.queue[0]
	gs.queue = gs.queue[1:]
	d.seq++

	b := head.buf
	copy(b.Data, f.data)
	b.Timestamp = f.at.UnixNano()
	b.Sequence = d.seq
	b.FrameNumber = head.frameNumber

	meta := metadata.New()
	meta.Merge(head.settings)
	meta.Set(metadata.TagSensorTimestamp, b.Timestamp)
	meta.Set(metadata.TagSensorExposureTime, int64(time.Second)/int64(d.opts.FrameRate))
	meta.Set(metadata.TagSensorSensitivity, 100)
	return b, meta, true
}
