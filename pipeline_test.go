package camhal_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/camhal"
	"github.com/e7canasta/camhal/internal/device/sim"
	"github.com/e7canasta/camhal/internal/metadata"
	"github.com/e7canasta/camhal/internal/postproc"
	"github.com/e7canasta/camhal/internal/server"
)

// events records callbacks in arrival order.
type events struct {
	mu      sync.Mutex
	log     []string
	results []camhal.CaptureResult
	notify  chan struct{}
}

func newEvents() *events { return &events{notify: make(chan struct{}, 64)} }

func (e *events) OnShutter(frame uint32, _ int64) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf("shutter:%d", frame))
	e.mu.Unlock()
}

func (e *events) OnCaptureResult(r camhal.CaptureResult) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf("result:%d", r.FrameNumber))
	e.results = append(e.results, r)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *events) waitResults(t *testing.T, n int) []camhal.CaptureResult {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		e.mu.Lock()
		if len(e.results) >= n {
			out := append([]camhal.CaptureResult(nil), e.results...)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d results", n)
		}
	}
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func waitInFlight(t *testing.T, p *camhal.Pipeline, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.InFlight() != want {
		if time.Now().After(deadline) {
			t.Fatalf("InFlight = %d, want %d", p.InFlight(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newPipeline(t *testing.T, dev camhal.Device, cb camhal.Callbacks) *camhal.Pipeline {
	t.Helper()
	p, err := camhal.New(camhal.Options{Device: dev})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Init(cb); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestSingleFrameEndToEnd validates the basic request lifecycle.
//
// Scenario:
//  1. One YUV stream, device reports 4 buffers → capacity 4
//  2. Frame 1 is submitted
//  3. OnShutter(1) arrives before OnCaptureResult(1)
//  4. The slot is freed once the frame is returned
func TestSingleFrameEndToEnd(t *testing.T) {
	ctx := context.Background()
	ev := newEvents()
	p := newPipeline(t, sim.New(sim.Options{MaxBuffers: 4}), ev)

	const w, h = 64, 32
	streams, err := p.ConfigureStreams(ctx, []camhal.StreamDescriptor{
		{ID: 0, Width: w, Height: h, Format: camhal.FormatYUV420},
	})
	if err != nil {
		t.Fatalf("ConfigureStreams: %v", err)
	}
	if streams[0].MaxBuffers != 4 {
		t.Errorf("MaxBuffers = %d, want 4", streams[0].MaxBuffers)
	}
	if got := p.MaxInFlight(); got != 4 {
		t.Errorf("MaxInFlight = %d, want 4", got)
	}

	settings, err := p.DefaultRequestSettings(camhal.TemplatePreview)
	if err != nil {
		t.Fatalf("DefaultRequestSettings: %v", err)
	}
	data := make([]byte, camhal.FrameSize(w, h))
	err = p.ProcessCaptureRequest(ctx, camhal.CaptureRequest{
		FrameNumber:   1,
		Settings:      settings,
		OutputBuffers: []camhal.StreamBuffer{{Stream: 0, Handle: 1, Data: data}},
	})
	if err != nil {
		t.Fatalf("ProcessCaptureRequest: %v", err)
	}

	results := ev.waitResults(t, 1)
	if got, want := ev.snapshot(), []string{"shutter:1", "result:1"}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	r := results[0]
	if r.OutputBuffer.Status != camhal.BufferOK {
		t.Errorf("status = %v, want ok", r.OutputBuffer.Status)
	}
	if r.PartialResult != 1 || r.Metadata == nil {
		t.Errorf("first buffer must carry metadata, got partial=%d meta=%v", r.PartialResult, r.Metadata)
	}
	if _, ok := r.Metadata.Int64(metadata.TagSensorTimestamp); !ok {
		t.Error("result metadata lacks sensor timestamp")
	}
	waitInFlight(t, p, 0)

	if err := p.Flush(ctx); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if p.State() != "streams_configured" {
		t.Errorf("state after flush = %s", p.State())
	}
}

// TestBlobEndToEnd validates JPEG output with an EXIF thumbnail and the blob
// trailer.
func TestBlobEndToEnd(t *testing.T) {
	ctx := context.Background()
	ev := newEvents()
	p := newPipeline(t, sim.New(sim.Options{}), ev)

	const w, h = 320, 240
	if _, err := p.ConfigureStreams(ctx, []camhal.StreamDescriptor{
		{ID: 2, Width: w, Height: h, Format: camhal.FormatBlob},
	}); err != nil {
		t.Fatalf("ConfigureStreams: %v", err)
	}

	settings, err := p.DefaultRequestSettings(camhal.TemplateStillCapture)
	if err != nil {
		t.Fatalf("DefaultRequestSettings: %v", err)
	}
	settings.Set(metadata.TagJpegThumbnailSize, 160, 120)

	out := make([]byte, camhal.FrameSize(w, h))
	err = p.ProcessCaptureRequest(ctx, camhal.CaptureRequest{
		FrameNumber:   0,
		Settings:      settings,
		OutputBuffers: []camhal.StreamBuffer{{Stream: 2, Handle: 7, Data: out}},
	})
	if err != nil {
		t.Fatalf("ProcessCaptureRequest: %v", err)
	}

	r := ev.waitResults(t, 1)[0]
	if r.OutputBuffer.Status != camhal.BufferOK {
		t.Fatalf("status = %v, want ok", r.OutputBuffer.Status)
	}
	n := r.OutputBuffer.Length
	if n <= 4 || !bytes.Equal(out[:2], []byte{0xFF, 0xD8}) || !bytes.Equal(out[n-2:n], []byte{0xFF, 0xD9}) {
		t.Fatalf("output is not a JPEG (length %d)", n)
	}
	if !bytes.Contains(out[:n], []byte("Exif\x00\x00")) {
		t.Error("missing EXIF segment")
	}
	size, ok := postproc.BlobSize(out)
	if !ok || size != n {
		t.Errorf("BlobSize = %d, %v; want %d, true", size, ok, n)
	}
	waitInFlight(t, p, 0)
}

// TestCapacityBackpressure validates that the request beyond capacity blocks
// until the device completes an earlier one.
func TestCapacityBackpressure(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{MaxBuffers: 2, Manual: true})
	ev := newEvents()
	p := newPipeline(t, dev, ev)

	if _, err := p.ConfigureStreams(ctx, []camhal.StreamDescriptor{
		{ID: 0, Width: 32, Height: 16, Format: camhal.FormatYUV420},
	}); err != nil {
		t.Fatalf("ConfigureStreams: %v", err)
	}
	settings, _ := p.DefaultRequestSettings(camhal.TemplatePreview)
	request := func(frame uint32) camhal.CaptureRequest {
		req := camhal.CaptureRequest{
			FrameNumber: frame,
			OutputBuffers: []camhal.StreamBuffer{{
				Stream: 0,
				Handle: camhal.BufferHandle(frame + 1),
				Data:   make([]byte, camhal.FrameSize(32, 16)),
			}},
		}
		if frame == 0 {
			req.Settings = settings
		}
		return req
	}

	for i := uint32(0); i < 2; i++ {
		if err := p.ProcessCaptureRequest(ctx, request(i)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.ProcessCaptureRequest(short, request(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third request: err = %v, want deadline exceeded", err)
	}

	dev.Complete(0)
	ev.waitResults(t, 1)
	if err := p.ProcessCaptureRequest(ctx, request(2)); err != nil {
		t.Fatalf("third request after completion: %v", err)
	}
	dev.CompleteAll()
	ev.waitResults(t, 3)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, sim.New(sim.Options{}), newEvents())

	if got := p.Health().Status; got != server.StatusUnhealthy {
		t.Errorf("before configure: %s, want unhealthy", got)
	}
	if _, err := p.ConfigureStreams(ctx, []camhal.StreamDescriptor{
		{ID: 0, Width: 32, Height: 16, Format: camhal.FormatYUV420},
	}); err != nil {
		t.Fatalf("ConfigureStreams: %v", err)
	}
	h := p.Health()
	if h.Status != server.StatusHealthy || h.StreamsUp != 1 || h.StreamsTotal != 1 {
		t.Errorf("after configure: %+v", h)
	}
}

func TestNewRequiresDevice(t *testing.T) {
	if _, err := camhal.New(camhal.Options{}); !errors.Is(err, camhal.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestDump(t *testing.T) {
	p := newPipeline(t, sim.New(sim.Options{}), newEvents())
	var buf bytes.Buffer
	if err := p.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("state: initialized")) {
		t.Errorf("dump:\n%s", buf.String())
	}
	if p.MetricsHandler() == nil {
		t.Error("metrics handler is nil with metrics enabled")
	}
}
