package admission

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/stream"
)

// ConfigureStreams replaces the stream configuration.
//
// Algorithm:
//  1. Validate the list (non-empty, at most MaxStreams, unique ids, sizes,
//     rotations); nothing changes on failure
//  2. Preempt submitters waiting for a slot, drain in-flight requests and
//     stop the device
//  3. Derive device views, adding a shadow thumbnail stream per BLOB stream
//  4. Configure the device, which reports MaxBuffers per stream
//  5. Deactivate every worker; reuse those whose stream comes back with the
//     same geometry, create the rest, retire the leftovers
//  6. Size the slot table to min(MaxInFlight, min MaxBuffers) and activate
//
// The returned descriptors are the requested ones with Usage and MaxBuffers
// filled in.
func (c *Controller) ConfigureStreams(ctx context.Context, streams []camera.StreamDescriptor) ([]camera.StreamDescriptor, error) {
	if err := validateStreams(streams); err != nil {
		return nil, err
	}

	defer c.preemptSubmitters()()
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	st, hasAgg := c.state, c.agg != nil
	c.mu.Unlock()

	switch {
	case st == StateIdle || !hasAgg:
		return nil, fmt.Errorf("%w: configure before init", camera.ErrInvalidState)
	case st == StateFlushing:
		return nil, fmt.Errorf("%w: configure during flush", camera.ErrInvalidState)
	case st == StateProcessing:
		if err := c.flushLocked(ctx); err != nil {
			c.logger.Warn("admission: drain before reconfigure incomplete", "error", err)
		}
	}
	c.stopDevice()

	views, mains := deviceViews(streams)
	configured, err := c.device.ConfigureStreams(views)
	if err != nil {
		return nil, fmt.Errorf("%w: configure: %v", camera.ErrDeviceFailure, err)
	}
	if len(configured) != len(views) {
		return nil, fmt.Errorf("%w: device configured %d of %d streams",
			camera.ErrDeviceFailure, len(configured), len(views))
	}

	byID := make(map[camera.StreamID]camera.StreamDescriptor, len(configured))
	maxInFlight := c.opts.MaxInFlight
	for _, d := range configured {
		byID[d.ID] = d
		if d.MaxBuffers > 0 && d.MaxBuffers < maxInFlight {
			maxInFlight = d.MaxBuffers
		}
	}

	c.mu.Lock()
	old := make(map[camera.StreamID]*stream.Worker, len(c.workers))
	for id, w := range c.workers {
		old[id] = w
	}
	oldOrder := c.order
	agg := c.agg
	c.mu.Unlock()

	previous := make([]*stream.Worker, 0, len(oldOrder))
	for _, id := range oldOrder {
		previous = append(previous, old[id])
	}
	deactivate(previous)

	workers := make(map[camera.StreamID]*stream.Worker, len(mains))
	order := make([]camera.StreamID, 0, len(mains))
	reused := 0
	for _, id := range mains {
		desc := byID[id]
		var thumb *camera.StreamDescriptor
		if desc.Format == camera.FormatBlob {
			td := byID[shadowStreamID(id)]
			thumb = &td
		}

		w, ok := old[id]
		if ok && sameGeometry(w.Descriptor(), desc) {
			if err := w.Resize(maxInFlight); err != nil {
				return nil, err
			}
			delete(old, id)
			reused++
		} else {
			w = stream.New(desc, thumb, stream.Options{
				Device:         c.device,
				PostProcessor:  c.opts.PostProcessor,
				Sink:           agg,
				MaxInFlight:    maxInFlight,
				FenceTimeout:   c.opts.FenceTimeout,
				DequeueTimeout: c.opts.DequeueTimeout,
				IdleTimeout:    c.opts.IdleTimeout,
				Retry:          c.opts.Retry,
				Logger:         c.opts.Logger,
				Metrics:        c.metrics,
			})
		}
		workers[id] = w
		order = append(order, id)
	}

	for _, id := range order {
		if err := workers[id].SetActive(true); err != nil {
			for _, prev := range order {
				_ = workers[prev].SetActive(false)
			}
			c.mu.Lock()
			c.workers = make(map[camera.StreamID]*stream.Worker)
			c.order = nil
			c.state = StateInitialized
			c.mu.Unlock()
			return nil, fmt.Errorf("activate stream %d: %w", id, err)
		}
	}

	c.mu.Lock()
	c.workers = workers
	c.order = order
	c.state = StateStreamsConfigured
	c.mu.Unlock()

	c.reqMu.Lock()
	c.slots.Resize(maxInFlight)
	c.wakeLocked()
	c.reqMu.Unlock()

	c.metrics.SetMaxInFlight(maxInFlight)
	c.metrics.SetInFlight(0)

	out := make([]camera.StreamDescriptor, len(streams))
	for i, s := range streams {
		s.Usage = usageOf(s.Format)
		s.MaxBuffers = byID[s.ID].MaxBuffers
		out[i] = s
	}

	c.logger.Info("admission: streams configured",
		"streams", len(order),
		"device_streams", len(configured),
		"reused", reused,
		"retired", len(old),
		"max_in_flight", maxInFlight,
	)
	return out, nil
}

func validateStreams(streams []camera.StreamDescriptor) error {
	if len(streams) == 0 {
		return fmt.Errorf("%w: no streams", camera.ErrInvalidArgument)
	}
	if len(streams) > camera.MaxStreams {
		return fmt.Errorf("%w: %d streams, at most %d", camera.ErrInvalidArgument, len(streams), camera.MaxStreams)
	}
	seen := make(map[camera.StreamID]bool, len(streams))
	for _, s := range streams {
		if s.ID < 0 || s.ID >= shadowStreamBase {
			return fmt.Errorf("%w: stream id %d out of range", camera.ErrInvalidArgument, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate stream id %d", camera.ErrInvalidArgument, s.ID)
		}
		seen[s.ID] = true
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("%w: stream %d size %s", camera.ErrInvalidArgument, s.ID, s.Resolution())
		}
		switch s.Format {
		case camera.FormatImplementationDefined, camera.FormatYUV420, camera.FormatBlob:
		default:
			return fmt.Errorf("%w: stream %d format %s", camera.ErrInvalidArgument, s.ID, s.Format)
		}
		switch s.Rotation {
		case camera.Rotation0, camera.Rotation90, camera.Rotation180, camera.Rotation270:
		default:
			return fmt.Errorf("%w: stream %d rotation %d", camera.ErrInvalidArgument, s.ID, s.Rotation)
		}
		if s.Format == camera.FormatBlob && s.Rotation != camera.Rotation0 {
			return fmt.Errorf("%w: blob stream %d cannot rotate", camera.ErrInvalidArgument, s.ID)
		}
	}
	return nil
}

// deviceViews returns what the device is asked to produce, shadow streams
// included, and the framework stream ids in request order.
func deviceViews(streams []camera.StreamDescriptor) ([]camera.StreamDescriptor, []camera.StreamID) {
	views := make([]camera.StreamDescriptor, 0, len(streams)*2)
	mains := make([]camera.StreamID, 0, len(streams))
	for _, s := range streams {
		s.Usage = usageOf(s.Format)
		s.MaxBuffers = 0
		views = append(views, s.DeviceView())
		mains = append(mains, s.ID)
		if s.Format == camera.FormatBlob {
			views = append(views, shadowDescriptor(s))
		}
	}
	return views, mains
}

func usageOf(f camera.Format) camera.Usage {
	if f == camera.FormatBlob {
		return camera.UsageStillCapture
	}
	return camera.UsagePreview
}

func sameGeometry(a, b camera.StreamDescriptor) bool {
	return a.ID == b.ID &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		a.Format == b.Format &&
		a.Rotation == b.Rotation &&
		a.Size == b.Size
}

// deactivate stops workers in parallel and waits for all of them.
func deactivate(workers []*stream.Worker) {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.SetActive(false)
		})
	}
	_ = g.Wait()
}
