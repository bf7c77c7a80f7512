package main

import (
	"sync/atomic"
	"time"

	"github.com/e7canasta/camhal"
	"github.com/e7canasta/camhal/internal/fpsstats"
)

// fanout delivers every callback to each sink in order.
type fanout []camhal.Callbacks

func (f fanout) OnShutter(frameNumber uint32, timestamp int64) {
	for _, cb := range f {
		cb.OnShutter(frameNumber, timestamp)
	}
}

func (f fanout) OnCaptureResult(r camhal.CaptureResult) {
	for _, cb := range f {
		cb.OnCaptureResult(r)
	}
}

// tally counts results and measures the framework-visible result rate.
type tally struct {
	shutters atomic.Uint64
	results  atomic.Uint64
	errors   atomic.Uint64
	bytes    atomic.Uint64
	rate     *fpsstats.Window
}

func newTally() *tally {
	return &tally{rate: fpsstats.NewWindow(0)}
}

func (t *tally) OnShutter(uint32, int64) {
	t.shutters.Add(1)
	t.rate.Add(time.Now())
}

func (t *tally) OnCaptureResult(r camhal.CaptureResult) {
	t.results.Add(1)
	if r.OutputBuffer.Status == camhal.BufferError {
		t.errors.Add(1)
		return
	}
	t.bytes.Add(uint64(r.OutputBuffer.Length))
}

// summary is printed on shutdown.
type summary struct {
	Shutters uint64         `yaml:"shutters"`
	Results  uint64         `yaml:"results"`
	Errors   uint64         `yaml:"errors"`
	Bytes    uint64         `yaml:"bytes"`
	Rate     fpsstats.Stats `yaml:"rate"`
}

func (t *tally) summary() summary {
	return summary{
		Shutters: t.shutters.Load(),
		Results:  t.results.Load(),
		Errors:   t.errors.Load(),
		Bytes:    t.bytes.Load(),
		Rate:     t.rate.Snapshot(),
	}
}
