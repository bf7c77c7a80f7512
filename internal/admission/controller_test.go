package admission

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/device/sim"
	"github.com/e7canasta/camhal/internal/metadata"
)

const (
	testStream camera.StreamID = 1
	testWidth                  = 64
	testHeight                 = 32
)

// recorder collects framework callbacks.
type recorder struct {
	mu       sync.Mutex
	shutters []uint32
	results  []camera.CaptureResult
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) OnShutter(frame uint32, _ int64) {
	r.mu.Lock()
	r.shutters = append(r.shutters, frame)
	r.mu.Unlock()
}

func (r *recorder) OnCaptureResult(res camera.CaptureResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) resultFrames() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res.FrameNumber)
	}
	return out
}

func (r *recorder) waitResults(t *testing.T, n int) []uint32 {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := r.resultFrames(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("got %d results, want %d", len(r.resultFrames()), n)
		}
	}
}

type fixture struct {
	c   *Controller
	dev *sim.Device
	rec *recorder
}

func newFixture(t *testing.T, simOpts sim.Options, opts Options) *fixture {
	t.Helper()
	dev := sim.New(simOpts)
	opts.Device = dev
	c := New(opts)
	rec := newRecorder()
	require.NoError(t, c.Init(rec))

	_, err := c.ConfigureStreams(context.Background(), []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })
	return &fixture{c: c, dev: dev, rec: rec}
}

func (f *fixture) request(frame uint32) camera.CaptureRequest {
	settings, _ := f.c.ConstructDefaultRequestSettings(TemplatePreview)
	return camera.CaptureRequest{
		FrameNumber: frame,
		Settings:    settings,
		OutputBuffers: []camera.StreamBuffer{{
			Stream: testStream,
			Handle: camera.BufferHandle(frame + 1),
			Data:   make([]byte, camera.FrameSize(testWidth, testHeight)),
		}},
	}
}

// TestAdmissionBlocksAtCapacity validates the in-flight cap.
//
// Scenario:
//  1. Device reports 2 buffers per stream → max in-flight 2
//  2. Two requests are admitted without blocking
//  3. The third blocks until the device completes frame 0
func TestAdmissionBlocksAtCapacity(t *testing.T) {
	f := newFixture(t, sim.Options{MaxBuffers: 2, Manual: true}, Options{})
	ctx := context.Background()

	require.Equal(t, 2, f.c.MaxInFlight())
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(1)))
	assert.Equal(t, 2, f.c.InFlight())

	admitted := make(chan error, 1)
	go func() { admitted <- f.c.ProcessCaptureRequest(ctx, f.request(2)) }()

	select {
	case err := <-admitted:
		t.Fatalf("third request admitted while at capacity: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, f.dev.Complete(testStream))

	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("third request still blocked after a completion")
	}
	assert.Equal(t, []uint32{0}, f.rec.waitResults(t, 1))
}

func TestAdmissionWaitHonorsContext(t *testing.T) {
	f := newFixture(t, sim.Options{MaxBuffers: 1, Manual: true}, Options{AdmissionTimeout: 20 * time.Millisecond})
	require.NoError(t, f.c.ProcessCaptureRequest(context.Background(), f.request(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := f.c.ProcessCaptureRequest(ctx, f.request(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.c.InFlight())
}

func TestCompletionOrderAndShutters(t *testing.T) {
	f := newFixture(t, sim.Options{}, Options{})
	ctx := context.Background()

	for frame := uint32(0); frame < 8; frame++ {
		require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(frame)))
	}

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, f.rec.waitResults(t, 8))

	f.rec.mu.Lock()
	shutters := append([]uint32(nil), f.rec.shutters...)
	first := f.rec.results[0]
	f.rec.mu.Unlock()

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, shutters)
	require.NotNil(t, first.Metadata)
	assert.Equal(t, camera.BufferOK, first.OutputBuffer.Status)
	intent, _ := first.Metadata.Int64(metadata.TagControlCaptureIntent)
	assert.Equal(t, int64(TemplatePreview), intent)
	assert.Equal(t, 1, f.dev.Starts(), "device must start once")

	require.Eventually(t, func() bool { return f.c.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// TestInvalidRequestsHaveNoSideEffects validates that every malformed
// request is rejected before touching slots, the device or the aggregator.
func TestInvalidRequestsHaveNoSideEffects(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{})
	ctx := context.Background()

	noSettings := f.request(10)
	noSettings.Settings = nil
	require.ErrorIs(t, f.c.ProcessCaptureRequest(ctx, noSettings), camera.ErrInvalidArgument,
		"first request without settings")

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))

	cases := map[string]func(r *camera.CaptureRequest){
		"no buffers":      func(r *camera.CaptureRequest) { r.OutputBuffers = nil },
		"unknown stream":  func(r *camera.CaptureRequest) { r.OutputBuffers[0].Stream = 9 },
		"null handle":     func(r *camera.CaptureRequest) { r.OutputBuffers[0].Handle = 0 },
		"duplicate frame": func(r *camera.CaptureRequest) { r.FrameNumber = 0 },
		"two buffers on one stream": func(r *camera.CaptureRequest) {
			b := r.OutputBuffers[0]
			b.Handle++
			r.OutputBuffers = append(r.OutputBuffers, b)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request(5)
			mutate(&req)
			err := f.c.ProcessCaptureRequest(ctx, req)
			assert.ErrorIs(t, err, camera.ErrInvalidArgument)
			assert.Equal(t, 1, f.c.InFlight())
			assert.Equal(t, 1, f.dev.Queued(testStream))
			assert.Equal(t, 1, f.c.Stats().Results.Pending)
		})
	}
}

func TestSubmitFailureRollsBack(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{})
	ctx := context.Background()

	f.dev.FailNextSubmit(errors.New("queue rejected"))
	req := f.request(0)
	err := f.c.ProcessCaptureRequest(ctx, req)
	require.ErrorIs(t, err, camera.ErrDeviceFailure)

	assert.Equal(t, 0, f.c.InFlight())
	assert.Equal(t, 0, f.c.Stats().Results.Pending)
	assert.False(t, f.dev.Started(), "device started by a failed submission")

	// The same handle is usable again once rolled back.
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, req))
	assert.Equal(t, 1, f.c.InFlight())
}

// TestFenceTimeoutReturnsErroredBuffer validates that an acquire fence that
// never signals does not abort the request: the frame is admitted, completes
// and carries an errored buffer.
func TestFenceTimeoutReturnsErroredBuffer(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{FenceTimeout: 10 * time.Millisecond})

	req := f.request(0)
	req.OutputBuffers[0].Fence = camera.ChanFence(make(chan struct{}))
	require.NoError(t, f.c.ProcessCaptureRequest(context.Background(), req))
	assert.Equal(t, 1, f.c.InFlight())

	f.dev.CompleteAll()
	assert.Equal(t, []uint32{0}, f.rec.waitResults(t, 1))

	f.rec.mu.Lock()
	res := f.rec.results[0]
	f.rec.mu.Unlock()
	assert.Equal(t, camera.BufferError, res.OutputBuffer.Status)
	require.Eventually(t, func() bool { return f.c.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// submitHookDevice runs onSubmit after every successful Submit.
type submitHookDevice struct {
	*sim.Device
	onSubmit func()
}

func (d *submitHookDevice) Submit(frameNumber uint32, buffers []*camera.DeviceBuffer, settings *metadata.Metadata) error {
	if err := d.Device.Submit(frameNumber, buffers, settings); err != nil {
		return err
	}
	if fn := d.onSubmit; fn != nil {
		d.onSubmit = nil
		fn()
	}
	return nil
}

// TestEnqueueFailureReleasesSlot validates that a completion that cannot be
// queued after the device accepted the buffers does not leak the slot.
//
// Scenario:
//  1. Frame 0 in flight on a manual device
//  2. The worker stops right after frame 1 is submitted
//  3. Frame 1 fails with ErrDeviceFailure, nothing stays in flight
//  4. Frame 2 completes normally and Flush drains
func TestEnqueueFailureReleasesSlot(t *testing.T) {
	base := sim.New(sim.Options{Manual: true})
	dev := &submitHookDevice{Device: base}
	c := New(Options{Device: dev, FlushTimeout: 200 * time.Millisecond})
	rec := newRecorder()
	require.NoError(t, c.Init(rec))
	_, err := c.ConfigureStreams(context.Background(), []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	f := &fixture{c: c, dev: base, rec: rec}
	ctx := context.Background()

	require.NoError(t, c.ProcessCaptureRequest(ctx, f.request(0)))

	w := c.workers[testStream]
	dev.onSubmit = func() { _ = w.SetActive(false) }
	require.ErrorIs(t, c.ProcessCaptureRequest(ctx, f.request(1)), camera.ErrDeviceFailure)

	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, 0, c.Stats().Results.Pending)
	assert.True(t, w.IsActive(), "worker not restarted")

	require.NoError(t, c.ProcessCaptureRequest(ctx, f.request(2)))
	base.CompleteAll()
	assert.Equal(t, []uint32{2}, rec.waitResults(t, 1))
	require.NoError(t, c.Flush(ctx))
}

// TestFlushDrains validates a flush that completes in time.
func TestFlushDrains(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{})
	ctx := context.Background()

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(1)))

	flushed := make(chan error, 1)
	go func() { flushed <- f.c.Flush(ctx) }()

	require.Eventually(t, func() bool { return f.c.State() == StateFlushing }, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.c.ProcessCaptureRequest(ctx, f.request(2)), camera.ErrInvalidState,
		"requests are rejected while flushing")

	f.dev.CompleteAll()

	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("flush did not return")
	}
	assert.Equal(t, StateStreamsConfigured, f.c.State())
	assert.Equal(t, []uint32{0, 1}, f.rec.resultFrames())

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(3)))
	f.dev.CompleteAll()
	assert.Equal(t, []uint32{0, 1, 3}, f.rec.waitResults(t, 3))
}

// TestFlushTimeoutDiscards validates that no result fires for a request
// admitted before a flush once the flush returns, even on timeout.
func TestFlushTimeoutDiscards(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{
		FlushTimeout:      50 * time.Millisecond,
		FlushPollInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(1)))

	err := f.c.Flush(ctx)
	require.ErrorIs(t, err, camera.ErrTimeout)
	assert.Equal(t, StateStreamsConfigured, f.c.State())
	assert.Equal(t, 0, f.c.InFlight())

	f.dev.CompleteAll()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.rec.resultFrames(), "result fired after flush returned")
	assert.Equal(t, 0, f.c.Stats().Results.Pending)

	// The pipeline stays usable.
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(2)))
	f.dev.CompleteAll()
	assert.Equal(t, []uint32{2}, f.rec.waitResults(t, 1))
	assert.Equal(t, 2, f.dev.Starts())
}

func TestFlushWhenIdleIsNoop(t *testing.T) {
	f := newFixture(t, sim.Options{}, Options{})
	require.NoError(t, f.c.Flush(context.Background()))
	assert.Equal(t, StateStreamsConfigured, f.c.State())
}

func TestStateGuards(t *testing.T) {
	c := New(Options{Device: sim.New(sim.Options{})})

	_, err := c.ConfigureStreams(context.Background(), []camera.StreamDescriptor{{ID: 1, Width: 8, Height: 8}})
	assert.ErrorIs(t, err, camera.ErrInvalidState)
	_, err = c.ConstructDefaultRequestSettings(TemplatePreview)
	assert.ErrorIs(t, err, camera.ErrInvalidState)

	require.NoError(t, c.Init(newRecorder()))
	assert.ErrorIs(t, c.Init(newRecorder()), camera.ErrInvalidState)
	assert.ErrorIs(t, c.ProcessCaptureRequest(context.Background(), camera.CaptureRequest{}), camera.ErrInvalidState)

	assert.ErrorIs(t, New(Options{}).Init(newRecorder()), camera.ErrInvalidArgument)
}

func TestConfigureStreamsValidation(t *testing.T) {
	f := newFixture(t, sim.Options{}, Options{})
	ctx := context.Background()

	s := func(id camera.StreamID) camera.StreamDescriptor {
		return camera.StreamDescriptor{ID: id, Width: 32, Height: 16}
	}
	cases := map[string][]camera.StreamDescriptor{
		"empty":        nil,
		"too many":     {s(1), s(2), s(3), s(4), s(5)},
		"duplicate id": {s(1), s(1)},
		"zero size":    {{ID: 1}},
		"bad format":   {{ID: 1, Width: 8, Height: 8, Format: camera.Format(42)}},
		"bad rotation": {{ID: 1, Width: 8, Height: 8, Rotation: 45}},
		"reserved id":  {s(shadowStreamBase)},
		"rotated blob": {{ID: 1, Width: 8, Height: 8, Format: camera.FormatBlob, Rotation: camera.Rotation90}},
	}
	for name, streams := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.c.ConfigureStreams(ctx, streams)
			assert.ErrorIs(t, err, camera.ErrInvalidArgument)
		})
	}

	// The previous configuration is untouched.
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	f.rec.waitResults(t, 1)
}

// TestReconfigureReusesWorkers validates worker reuse on identical geometry
// and the effective in-flight capacity.
func TestReconfigureReusesWorkers(t *testing.T) {
	f := newFixture(t, sim.Options{MaxBuffers: 3}, Options{MaxInFlight: 10})
	ctx := context.Background()

	require.Equal(t, 3, f.c.MaxInFlight())
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	f.rec.waitResults(t, 1)

	before := f.c.workers[testStream]
	out, err := f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
		{ID: 2, Width: 640, Height: 480, Format: camera.FormatBlob},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, camera.UsageStillCapture, out[1].Usage)
	assert.Equal(t, 3, out[1].MaxBuffers)

	assert.Same(t, before, f.c.workers[testStream], "same geometry must reuse the worker")
	assert.True(t, before.IsActive())

	blob := f.c.workers[2]
	require.NotNil(t, blob.Thumbnail())
	assert.Equal(t, shadowStreamID(2), blob.Thumbnail().ID)
	assert.Equal(t, 384, blob.Thumbnail().Width)
	assert.Equal(t, 288, blob.Thumbnail().Height)

	_, err = f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth * 2, Height: testHeight, Format: camera.FormatYUV420},
	})
	require.NoError(t, err)
	assert.NotSame(t, before, f.c.workers[testStream])
	assert.False(t, before.IsActive(), "replaced worker still running")
	assert.False(t, blob.IsActive(), "retired worker still running")
	assert.Len(t, f.c.Stats().Streams, 1)
}

func TestReconfigureDrainsProcessing(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{})
	ctx := context.Background()

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	go func() {
		for f.c.State() != StateFlushing {
			time.Sleep(time.Millisecond)
		}
		f.dev.CompleteAll()
	}()

	_, err := f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, f.rec.resultFrames())
	assert.False(t, f.dev.Started())
}

func TestCloseAndReinit(t *testing.T) {
	f := newFixture(t, sim.Options{}, Options{})
	ctx := context.Background()

	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))
	f.rec.waitResults(t, 1)

	require.NoError(t, f.c.Close())
	assert.Equal(t, StateIdle, f.c.State())
	assert.False(t, f.dev.Started())
	assert.Empty(t, f.c.Stats().Streams)
	require.NoError(t, f.c.Close(), "second Close")

	require.NoError(t, f.c.Init(f.rec))
	_, err := f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{{ID: testStream, Width: testWidth, Height: testHeight}})
	require.NoError(t, err)
}

// TestCloseDuringFlush validates that a Close overtaking a draining Flush
// leaves the controller Idle and reusable.
//
// Scenario:
//  1. Frame 0 in flight on a manual device, Flush starts draining
//  2. Close runs while the flush waits
//  3. Both return; state is Idle, Init and ConfigureStreams work again
func TestCloseDuringFlush(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{
		FlushTimeout:      2 * time.Second,
		FlushPollInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))

	flushed := make(chan error, 1)
	go func() { flushed <- f.c.Flush(ctx) }()
	require.Eventually(t, func() bool { return f.c.State() == StateFlushing }, time.Second, time.Millisecond)

	require.NoError(t, f.c.Close())
	select {
	case <-flushed:
	case <-time.After(3 * time.Second):
		t.Fatal("flush did not return after Close")
	}
	assert.Equal(t, StateIdle, f.c.State())

	_, err := f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
	})
	assert.ErrorIs(t, err, camera.ErrInvalidState, "configure after Close without Init")
	assert.ErrorIs(t, f.c.ProcessCaptureRequest(ctx, f.request(1)), camera.ErrInvalidState)

	require.NoError(t, f.c.Init(f.rec))
	_, err = f.c.ConfigureStreams(ctx, []camera.StreamDescriptor{
		{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
	})
	require.NoError(t, err)

	noSettings := f.request(2)
	noSettings.Settings = nil
	assert.ErrorIs(t, f.c.ProcessCaptureRequest(ctx, noSettings), camera.ErrInvalidArgument)
	require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(3)))
	f.dev.CompleteAll()
	assert.Equal(t, []uint32{3}, f.rec.waitResults(t, 1))
}

// TestTeardownPreemptsBlockedSubmitter validates that Close and
// ConfigureStreams stay bounded by FlushTimeout while a submitter is blocked
// on a full pipeline whose device has stalled.
func TestTeardownPreemptsBlockedSubmitter(t *testing.T) {
	teardowns := map[string]func(c *Controller) error{
		"close": func(c *Controller) error { return c.Close() },
		"configure": func(c *Controller) error {
			_, err := c.ConfigureStreams(context.Background(), []camera.StreamDescriptor{
				{ID: testStream, Width: testWidth, Height: testHeight, Format: camera.FormatYUV420},
			})
			return err
		},
	}
	for name, teardown := range teardowns {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, sim.Options{MaxBuffers: 1, Manual: true}, Options{
				FlushTimeout:      100 * time.Millisecond,
				FlushPollInterval: 5 * time.Millisecond,
			})
			ctx := context.Background()
			require.NoError(t, f.c.ProcessCaptureRequest(ctx, f.request(0)))

			blocked := make(chan error, 1)
			go func() { blocked <- f.c.ProcessCaptureRequest(ctx, f.request(1)) }()
			select {
			case err := <-blocked:
				t.Fatalf("second request admitted at capacity: %v", err)
			case <-time.After(50 * time.Millisecond):
			}

			done := make(chan error, 1)
			go func() { done <- teardown(f.c) }()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatalf("%s blocked behind a waiting submitter; state=%s", name, f.c.State())
			}

			select {
			case err := <-blocked:
				assert.ErrorIs(t, err, camera.ErrInvalidState)
			case <-time.After(time.Second):
				t.Fatal("blocked submitter not released")
			}
			assert.Equal(t, 0, f.c.InFlight())
			assert.Empty(t, f.rec.resultFrames())
		})
	}
}

func TestDefaultRequestSettings(t *testing.T) {
	f := newFixture(t, sim.Options{}, Options{})

	m, err := f.c.ConstructDefaultRequestSettings(TemplateManual)
	require.NoError(t, err)
	mode, _ := m.Int64(metadata.TagControlMode)
	assert.EqualValues(t, modeOff, mode)

	still, err := f.c.ConstructDefaultRequestSettings(TemplateStillCapture)
	require.NoError(t, err)
	af, _ := still.Int64(metadata.TagControlAFMode)
	assert.EqualValues(t, afContinuousPicture, af)

	// Copies are independent.
	still.Set(metadata.TagJpegQuality, 1)
	again, _ := f.c.ConstructDefaultRequestSettings(TemplateStillCapture)
	q, _ := again.Int64(metadata.TagJpegQuality)
	assert.EqualValues(t, defaultJpegQuality, q)

	_, err = f.c.ConstructDefaultRequestSettings(Template(99))
	assert.ErrorIs(t, err, camera.ErrInvalidArgument)

	tpl, err := ParseTemplate("video_record")
	require.NoError(t, err)
	assert.Equal(t, TemplateVideoRecord, tpl)
	_, err = ParseTemplate("nope")
	assert.ErrorIs(t, err, camera.ErrInvalidArgument)
}

func TestDump(t *testing.T) {
	f := newFixture(t, sim.Options{Manual: true}, Options{})
	require.NoError(t, f.c.ProcessCaptureRequest(context.Background(), f.request(7)))

	var buf bytes.Buffer
	require.NoError(t, f.c.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "state: processing")
	assert.Contains(t, out, "in_flight: 1")
	assert.Contains(t, out, "frames: [7]")
	assert.Contains(t, out, "resolution: 64x32")
}
