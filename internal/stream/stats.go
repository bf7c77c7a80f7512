package stream

import (
	"time"

	"github.com/e7canasta/camhal/internal/bufpool"
	"github.com/e7canasta/camhal/internal/fpsstats"
)

// Stats is a snapshot of one worker.
type Stats struct {
	Stream     int    `yaml:"stream" json:"stream"`
	Resolution string `yaml:"resolution" json:"resolution"`
	Format     string `yaml:"format" json:"format"`
	Active     bool   `yaml:"active" json:"active"`

	// Pending is the number of records waiting for the device.
	Pending int `yaml:"pending" json:"pending"`

	Completed           uint64 `yaml:"completed" json:"completed"`
	DequeueTimeouts     uint64 `yaml:"dequeue_timeouts" json:"dequeue_timeouts"`
	IdleTimeouts        uint64 `yaml:"idle_timeouts" json:"idle_timeouts"`
	Mismatches          uint64 `yaml:"mismatches" json:"mismatches"`
	PostProcessFailures uint64 `yaml:"postprocess_failures" json:"postprocess_failures"`
	FenceTimeouts       uint64 `yaml:"fence_timeouts" json:"fence_timeouts"`
	Dropped             uint64 `yaml:"dropped" json:"dropped"`
	DeviceRetries       uint64 `yaml:"device_retries" json:"device_retries"`

	Pool          *bufpool.Stats `yaml:"pool,omitempty" json:"pool,omitempty"`
	ThumbnailPool *bufpool.Stats `yaml:"thumbnail_pool,omitempty" json:"thumbnail_pool,omitempty"`

	LastCompletion time.Time      `yaml:"last_completion" json:"last_completion"`
	Rate           fpsstats.Stats `yaml:"rate" json:"rate"`
}

// IsIdle reports whether nothing completed within threshold.
func (s Stats) IsIdle(threshold time.Duration) bool {
	return s.LastCompletion.IsZero() || time.Since(s.LastCompletion) > threshold
}

// Stats returns a snapshot of the worker.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	s := Stats{
		Stream:     int(w.desc.ID),
		Resolution: w.desc.Resolution(),
		Format:     w.desc.Format.String(),
		Active:     w.active,
		Pending:    len(w.records),
	}
	if w.pool != nil {
		ps := w.pool.Stats()
		s.Pool = &ps
	}
	if w.thumbPool != nil {
		ts := w.thumbPool.Stats()
		s.ThumbnailPool = &ts
	}
	w.mu.Unlock()

	s.Completed = w.completed.Load()
	s.DequeueTimeouts = w.dequeueTimeouts.Load()
	s.IdleTimeouts = w.idleTimeouts.Load()
	s.Mismatches = w.mismatches.Load()
	s.PostProcessFailures = w.postFailures.Load()
	s.FenceTimeouts = w.fenceTimeouts.Load()
	s.Dropped = w.dropped.Load()
	s.DeviceRetries = w.deviceRetries.Load()
	if ns := w.lastCompletion.Load(); ns != 0 {
		s.LastCompletion = time.Unix(0, ns)
	}
	s.Rate = w.rate.Snapshot()
	return s
}
