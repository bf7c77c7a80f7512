// Package sim is an in-memory device engine.
//
// Submitted buffers are filled with a moving NV12 test pattern and complete
// in submission order per stream. In manual mode a buffer only becomes
// dequeueable after Complete is called for its stream, which lets tests hold
// frames in flight.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
)

// Options configures a simulated device.
type Options struct {
	// MaxBuffers reported per stream on configuration (default 4).
	MaxBuffers int
	// FrameInterval delays each completion after the previous one of the same
	// stream. Zero completes immediately.
	FrameInterval time.Duration
	// Manual holds every buffer until Complete releases it.
	Manual bool
	Logger *slog.Logger
}

type entry struct {
	frameNumber uint32
	buf         *camera.DeviceBuffer
	settings    *metadata.Metadata
	released    bool
	readyAt     time.Time
}

type simStream struct {
	desc  camera.StreamDescriptor
	queue []*entry
	last  time.Time
}

// Device is a simulated camera.Device. Safe for concurrent use.
type Device struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every state change
	streams map[camera.StreamID]*simStream
	started bool
	seq     uint64

	submitErr error
	starts    int
}

// New returns a stopped, unconfigured device.
func New(opts Options) *Device {
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Device{
		opts:    opts,
		logger:  opts.Logger.With("component", "sim-device"),
		changed: make(chan struct{}),
		streams: make(map[camera.StreamID]*simStream),
	}
}

// broadcast must be called with mu held.
func (d *Device) broadcast() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// ConfigureStreams implements camera.Device.
func (d *Device) ConfigureStreams(streams []camera.StreamDescriptor) ([]camera.StreamDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil, fmt.Errorf("%w: configure while streaming", camera.ErrInvalidState)
	}

	out := make([]camera.StreamDescriptor, len(streams))
	d.streams = make(map[camera.StreamID]*simStream, len(streams))
	for i, s := range streams {
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("%w: stream %d size %s", camera.ErrInvalidArgument, s.ID, s.Resolution())
		}
		s.MaxBuffers = d.opts.MaxBuffers
		if s.Size == 0 {
			s.Size = camera.FrameSize(s.Width, s.Height)
		}
		out[i] = s
		d.streams[s.ID] = &simStream{desc: s}
	}
	d.broadcast()

	d.logger.Info("sim: streams configured", "count", len(out), "max_buffers", d.opts.MaxBuffers)
	return out, nil
}

// Start implements camera.Device.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true
	d.starts++
	now := time.Now()
	for _, s := range d.streams {
		s.last = now
	}
	d.broadcast()
	d.logger.Info("sim: device started")
	return nil
}

// Stop implements camera.Device. Queued buffers are discarded.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	for _, s := range d.streams {
		s.queue = nil
	}
	d.broadcast()
	d.logger.Info("sim: device stopped")
	return nil
}

// Submit implements camera.Device.
func (d *Device) Submit(frameNumber uint32, buffers []*camera.DeviceBuffer, settings *metadata.Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.submitErr != nil {
		err := d.submitErr
		d.submitErr = nil
		return err
	}

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
		s := d.streams[b.Stream]
		s.queue = append(s.queue, &entry{
			frameNumber: frameNumber,
			buf:         b,
			settings:    snapshot,
			released:    !d.opts.Manual,
		})
	}
	d.broadcast()
	return nil
}

// Dequeue implements camera.Device. It blocks until the oldest buffer of id
// is released and the device is started.
func (d *Device) Dequeue(ctx context.Context, id camera.StreamID) (*camera.DeviceBuffer, *metadata.Metadata, error) {
	for {
		d.mu.Lock()
		s, ok := d.streams[id]
		if !ok {
			d.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: unknown stream %d", camera.ErrInvalidArgument, id)
		}

		var wait time.Duration
		if d.started && len(s.queue) > 0 && s.queue[0].released {
			head := s.queue[0]
			if head.readyAt.IsZero() {
				head.readyAt = s.last.Add(d.opts.FrameInterval)
			}
			wait = time.Until(head.readyAt)
			if wait <= 0 {
				s.queue = s.queue[1:]
				s.last = time.Now()
				d.seq++
				buf, meta := d.fill(head, d.seq, s.last)
				d.mu.Unlock()
				return buf, meta, nil
			}
		}
		changed := d.changed
		d.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, nil, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fill writes the test pattern and builds the result metadata.
func (d *Device) fill(e *entry, seq uint64, at time.Time) (*camera.DeviceBuffer, *metadata.Metadata) {
	b := e.buf
	b.Timestamp = at.UnixNano()
	b.Sequence = seq
	b.FrameNumber = e.frameNumber
	FillPattern(b.Data, b.Width, b.Height, seq)

	meta := metadata.New()
	meta.Merge(e.settings)
	meta.Set(metadata.TagSensorTimestamp, b.Timestamp)
	meta.Set(metadata.TagSensorExposureTime, 10_000_000)
	meta.Set(metadata.TagSensorSensitivity, 100)
	meta.Set(metadata.TagControlAEState, 2)
	meta.Set(metadata.TagControlAWBState, 2)
	return b, meta
}

// FillPattern paints a diagonal NV12 gradient shifted by seq.
func FillPattern(data []byte, width, height int, seq uint64) {
	if width <= 0 || height <= 0 {
		return
	}
	ySize := width * height
	if len(data) < ySize {
		return
	}
	shift := int(seq)
	for y := 0; y < height; y++ {
		row := data[y*width : (y+1)*width]
		for x := range row {
			row[x] = byte(x + y + shift)
		}
	}
	uv := data[ySize:min(len(data), camera.FrameSize(width, height))]
	for i := range uv {
		uv[i] = 128
	}
}

// Complete releases the oldest held buffer of id (manual mode). It reports
// whether a buffer was released.
func (d *Device) Complete(id camera.StreamID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return false
	}
	for _, e := range s.queue {
		if !e.released {
			e.released = true
			d.broadcast()
			return true
		}
	}
	return false
}

// CompleteAll releases every held buffer.
func (d *Device) CompleteAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		for _, e := range s.queue {
			e.released = true
		}
	}
	d.broadcast()
}

// FailNextSubmit makes the next Submit return err.
func (d *Device) FailNextSubmit(err error) {
	d.mu.Lock()
	d.submitErr = err
	d.mu.Unlock()
}

// Queued returns the number of buffers submitted and not yet dequeued on id.
func (d *Device) Queued(id camera.StreamID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[id]; ok {
		return len(s.queue)
	}
	return 0
}

// Started reports whether the device is streaming.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Starts returns how many times the device went from stopped to started.
func (d *Device) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}
