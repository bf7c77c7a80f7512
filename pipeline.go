package camhal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/camhal/internal/admission"
	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metrics"
	"github.com/e7canasta/camhal/internal/postproc"
	"github.com/e7canasta/camhal/internal/server"
)

// Options configures a Pipeline. Zero values take the defaults.
type Options struct {
	// CameraID labels logs and metrics.
	CameraID int
	// Device is required.
	Device Device
	// PostProcessor encodes BLOB streams and rotates rotated streams.
	// Defaults to the built-in JPEG encoder.
	PostProcessor PostProcessor
	// JpegQuality applies when a request carries no quality (default 95).
	JpegQuality int

	// MaxInFlight caps in-flight requests (default 10), further bounded by
	// the buffers the device reports per stream.
	MaxInFlight int

	AdmissionTimeout time.Duration // log and keep waiting (default 2s)
	FlushTimeout     time.Duration // default 1s
	FenceTimeout     time.Duration // default 300ms
	DequeueTimeout   time.Duration // default 2s
	IdleTimeout      time.Duration // default 2s
	Retry            RetryConfig

	// DisableMetrics skips Prometheus collectors.
	DisableMetrics bool
	Logger         *slog.Logger
}

// Pipeline is one camera's capture-request pipeline.
//
// Thread-safety: all methods are safe for concurrent use.
type Pipeline struct {
	opts    Options
	ctrl    *admission.Controller
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an idle pipeline. Call Init before configuring streams.
func New(opts Options) (*Pipeline, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("%w: device is required", ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = camera.DefaultIdleTimeout
	}
	logger := opts.Logger.With("camera", opts.CameraID)

	if opts.PostProcessor == nil {
		opts.PostProcessor = postproc.New(postproc.Options{
			DefaultQuality: opts.JpegQuality,
			Logger:         logger,
		})
	}

	var m *metrics.Metrics
	if !opts.DisableMetrics {
		m = metrics.New(prometheus.Labels{"camera": strconv.Itoa(opts.CameraID)})
	}

	ctrl := admission.New(admission.Options{
		Device:           opts.Device,
		PostProcessor:    opts.PostProcessor,
		MaxInFlight:      opts.MaxInFlight,
		AdmissionTimeout: opts.AdmissionTimeout,
		FlushTimeout:     opts.FlushTimeout,
		FenceTimeout:     opts.FenceTimeout,
		DequeueTimeout:   opts.DequeueTimeout,
		IdleTimeout:      opts.IdleTimeout,
		Retry:            opts.Retry,
		Logger:           logger,
		Metrics:          m,
	})

	return &Pipeline{
		opts:    opts,
		ctrl:    ctrl,
		metrics: m,
		logger:  logger,
	}, nil
}

// CameraID returns the id the pipeline was created with.
func (p *Pipeline) CameraID() int { return p.opts.CameraID }

// Init binds the result callbacks.
func (p *Pipeline) Init(cb Callbacks) error {
	return p.ctrl.Init(cb)
}

// ConfigureStreams replaces the stream set. In-flight requests are drained
// first. The returned descriptors carry MaxBuffers and Usage.
func (p *Pipeline) ConfigureStreams(ctx context.Context, streams []StreamDescriptor) ([]StreamDescriptor, error) {
	return p.ctrl.ConfigureStreams(ctx, streams)
}

// DefaultRequestSettings returns a fresh copy of the settings for t.
func (p *Pipeline) DefaultRequestSettings(t Template) (*Metadata, error) {
	return p.ctrl.ConstructDefaultRequestSettings(t)
}

// ProcessCaptureRequest admits req, blocking while the pipeline is at
// capacity. Invalid requests fail with ErrInvalidArgument and no side effects.
func (p *Pipeline) ProcessCaptureRequest(ctx context.Context, req CaptureRequest) error {
	return p.ctrl.ProcessCaptureRequest(ctx, req)
}

// Flush returns every in-flight request, or discards them and returns
// ErrTimeout after FlushTimeout. No result for a frame submitted before
// Flush is delivered after it returns.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.ctrl.Flush(ctx)
}

// Close flushes, stops the device and returns the pipeline to idle.
func (p *Pipeline) Close() error {
	return p.ctrl.Close()
}

// State returns the lifecycle state name.
func (p *Pipeline) State() string { return p.ctrl.State().String() }

// InFlight returns the number of admitted, not yet returned requests.
func (p *Pipeline) InFlight() int { return p.ctrl.InFlight() }

// MaxInFlight returns the effective in-flight cap.
func (p *Pipeline) MaxInFlight() int { return p.ctrl.MaxInFlight() }

// Stats returns a snapshot of the pipeline.
func (p *Pipeline) Stats() Stats { return p.ctrl.Stats() }

// Snapshot implements server.Source.
func (p *Pipeline) Snapshot() any { return p.ctrl.Stats() }

// Dump writes the stats snapshot as YAML.
func (p *Pipeline) Dump(w io.Writer) error { return p.ctrl.Dump(w) }

// MetricsHandler serves the pipeline's Prometheus registry. Nil when metrics
// are disabled.
func (p *Pipeline) MetricsHandler() http.Handler {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.Handler()
}

// Health classifies the pipeline for readiness probes.
//
// Algorithm:
//   - idle or initialized (no streams) → unhealthy
//   - requests in flight but an active stream completed nothing within
//     IdleTimeout → degraded
//   - otherwise healthy
func (p *Pipeline) Health() server.Health {
	s := p.ctrl.Stats()
	h := server.Health{
		Status:       server.StatusHealthy,
		State:        s.State,
		InFlight:     s.InFlight,
		MaxInFlight:  s.MaxInFlight,
		StreamsTotal: len(s.Streams),
	}
	for _, st := range s.Streams {
		if !st.Active {
			continue
		}
		h.StreamsUp++
		if s.InFlight > 0 && st.Pending > 0 && !st.LastCompletion.IsZero() && st.IsIdle(p.opts.IdleTimeout) {
			h.StreamsIdle++
		}
	}

	switch {
	case s.State == admission.StateIdle.String() || s.State == admission.StateInitialized.String():
		h.Status = server.StatusUnhealthy
	case h.StreamsUp < h.StreamsTotal:
		h.Status = server.StatusUnhealthy
	case h.StreamsIdle > 0:
		h.Status = server.StatusDegraded
	}
	return h
}

var _ server.Source = (*Pipeline)(nil)
