package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/e7canasta/camhal"
)

// generatorConfig paces synthetic capture requests.
type generatorConfig struct {
	RateHz    float64
	Burst     int
	Template  camhal.Template
	Frames    int // 0 runs until ctx is done
	BlobEvery int // include blob streams every Nth frame; 0 never
}

// generator plays the framework: it builds requests for the configured
// streams and submits them at a fixed rate. Admission backpressure slows it
// down below the target rate when the device falls behind.
type generator struct {
	cfg      generatorConfig
	pipeline *camhal.Pipeline
	streams  []camhal.StreamDescriptor
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	resumed chan struct{} // nil while running; closed on Resume

	handle    atomic.Uint64
	submitted atomic.Uint64
	failed    atomic.Uint64
}

func newGenerator(cfg generatorConfig, p *camhal.Pipeline, streams []camhal.StreamDescriptor, logger *slog.Logger) *generator {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &generator{
		cfg:      cfg,
		pipeline: p,
		streams:  streams,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateHz), cfg.Burst),
		logger:   logger.With("component", "generator"),
	}
}

// Run submits requests until ctx is done or Frames have been submitted.
func (g *generator) Run(ctx context.Context) error {
	g.logger.Info("generator: started",
		"rate_hz", g.cfg.RateHz,
		"template", g.cfg.Template.String(),
		"frames", g.cfg.Frames,
	)

	var lastBlob bool
	for frame := uint32(0); g.cfg.Frames == 0 || int(frame) < g.cfg.Frames; frame++ {
		if !g.waitResumed(ctx) {
			return nil
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}

		blob := g.cfg.BlobEvery > 0 && frame%uint32(g.cfg.BlobEvery) == 0
		req, err := g.request(frame, blob, frame == 0 || blob != lastBlob)
		if err != nil {
			return err
		}
		lastBlob = blob

		err = g.pipeline.ProcessCaptureRequest(ctx, req)
		switch {
		case err == nil:
			g.submitted.Add(1)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, camhal.ErrInvalidState):
			// Flush or reconfiguration in progress.
			g.failed.Add(1)
			g.logger.Debug("generator: request rejected", "frame", frame, "error", err)
		default:
			g.failed.Add(1)
			g.logger.Warn("generator: request failed", "frame", frame, "error", err)
		}
	}

	g.logger.Info("generator: done", "submitted", g.submitted.Load(), "failed", g.failed.Load())
	return nil
}

// request builds frame's request. Settings are attached only when they
// change; otherwise the previous settings carry forward.
func (g *generator) request(frame uint32, blob, withSettings bool) (camhal.CaptureRequest, error) {
	req := camhal.CaptureRequest{FrameNumber: frame}
	if withSettings {
		t := g.cfg.Template
		if blob {
			t = camhal.TemplateStillCapture
		}
		settings, err := g.pipeline.DefaultRequestSettings(t)
		if err != nil {
			return req, fmt.Errorf("generator: settings: %w", err)
		}
		req.Settings = settings
	}

	for _, s := range g.streams {
		if s.Format == camhal.FormatBlob && !blob {
			continue
		}
		req.OutputBuffers = append(req.OutputBuffers, camhal.StreamBuffer{
			Stream: s.ID,
			Handle: camhal.BufferHandle(g.handle.Add(1)),
			Data:   make([]byte, camhal.FrameSize(s.Width, s.Height)),
		})
	}
	if len(req.OutputBuffers) == 0 {
		return req, fmt.Errorf("generator: frame %d has no output streams", frame)
	}
	return req, nil
}

// Pause stops submitting after the current request.
func (g *generator) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed == nil {
		g.resumed = make(chan struct{})
		g.logger.Info("generator: paused")
	}
	return nil
}

// Resume restarts a paused generator.
func (g *generator) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed != nil {
		close(g.resumed)
		g.resumed = nil
		g.logger.Info("generator: resumed")
	}
	return nil
}

// SetRate changes the request rate.
func (g *generator) SetRate(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("rate must be > 0, got %v", hz)
	}
	g.limiter.SetLimit(rate.Limit(hz))
	g.logger.Info("generator: rate changed", "rate_hz", hz)
	return nil
}

// Paused reports whether the generator is paused.
func (g *generator) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumed != nil
}

// waitResumed blocks while paused. It reports false when ctx ends first.
func (g *generator) waitResumed(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.resumed
	g.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Submitted returns the number of admitted requests.
func (g *generator) Submitted() uint64 { return g.submitted.Load() }
