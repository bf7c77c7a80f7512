package admission

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camhal/internal/result"
	"github.com/e7canasta/camhal/internal/stream"
)

// Stats is a snapshot of the controller and everything it drives.
type Stats struct {
	Session       string         `yaml:"session" json:"session"`
	State         string         `yaml:"state" json:"state"`
	DeviceStarted bool           `yaml:"device_started" json:"device_started"`
	InFlight      int            `yaml:"in_flight" json:"in_flight"`
	MaxInFlight   int            `yaml:"max_in_flight" json:"max_in_flight"`
	Frames        []uint32       `yaml:"frames,flow" json:"frames"`
	Submitted     uint64         `yaml:"submitted" json:"submitted"`
	Rejected      uint64         `yaml:"rejected" json:"rejected"`
	Streams       []stream.Stats `yaml:"streams" json:"streams"`
	Results       *result.Stats  `yaml:"results,omitempty" json:"results,omitempty"`
}

// Stats returns a snapshot. Safe to call from any goroutine.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Session:       c.session,
		State:         c.state.String(),
		DeviceStarted: c.deviceStarted,
	}
	workers := c.activeWorkersLocked()
	agg := c.agg
	c.mu.Unlock()

	c.reqMu.Lock()
	s.InFlight = c.slots.InFlight()
	s.MaxInFlight = c.slots.Capacity()
	s.Frames = c.slots.Frames()
	c.reqMu.Unlock()

	s.Submitted = c.submitted.Load()
	s.Rejected = c.rejected.Load()

	s.Streams = make([]stream.Stats, 0, len(workers))
	for _, w := range workers {
		s.Streams = append(s.Streams, w.Stats())
	}
	if agg != nil {
		rs := agg.Stats()
		s.Results = &rs
	}
	return s
}

// Dump writes the stats snapshot to w as YAML.
func (c *Controller) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Stats()); err != nil {
		return fmt.Errorf("admission: dump: %w", err)
	}
	return enc.Close()
}
