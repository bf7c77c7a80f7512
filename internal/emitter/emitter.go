// Package emitter publishes pipeline callbacks as JSON messages.
//
// Callbacks run on pipeline goroutines and must not block, so the Emitter
// marshals each event synchronously, then hands it to a bounded queue with
// a drop-new policy: when the queue is full the event is counted as dropped
// and the pipeline carries on. A single goroutine drains the queue into the
// Publisher.
//
// Conservation: Enqueued == Published + Errors + Dropped + pending.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
)

// Publisher delivers one payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Topics names the destination of each event kind.
type Topics struct {
	Shutter string
	Result  string
}

// Options configures an Emitter.
type Options struct {
	Publisher Publisher
	Topics    Topics
	QoS       byte
	// QueueSize bounds pending messages (default 256).
	QueueSize int
	// CameraID is stamped on every message.
	CameraID int
	Logger   *slog.Logger
}

// ShutterMessage is published on shutter.
type ShutterMessage struct {
	Camera      int    `json:"camera"`
	FrameNumber uint32 `json:"frame_number"`
	Timestamp   int64  `json:"timestamp_ns"`
}

// ResultMessage is published per capture result.
type ResultMessage struct {
	Camera        int                `json:"camera"`
	FrameNumber   uint32             `json:"frame_number"`
	Timestamp     int64              `json:"timestamp_ns"`
	Stream        int                `json:"stream"`
	Status        string             `json:"status"`
	Length        int                `json:"length"`
	PartialResult int                `json:"partial_result"`
	TraceID       string             `json:"trace_id,omitempty"`
	Metadata      map[string][]int64 `json:"metadata,omitempty"`
}

type message struct {
	topic   string
	payload []byte
}

// Stats contains emitter statistics
type Stats struct {
	Enqueued  uint64 `json:"enqueued" yaml:"enqueued"`
	Published uint64 `json:"published" yaml:"published"`
	Dropped   uint64 `json:"dropped" yaml:"dropped"`
	Errors    uint64 `json:"errors" yaml:"errors"`
	Pending   int    `json:"pending" yaml:"pending"`
}

// Emitter implements camera.Callbacks.
type Emitter struct {
	opts   Options
	logger *slog.Logger
	queue  chan message

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	enqueued  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

var _ camera.Callbacks = (*Emitter)(nil)

// New returns a stopped emitter; Start begins delivery.
func New(opts Options) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Emitter{
		opts:   opts,
		logger: opts.Logger.With("component", "emitter"),
		queue:  make(chan message, opts.QueueSize),
	}
}

// Start spawns the delivery goroutine.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("emitter: already started")
	}
	if e.opts.Publisher == nil {
		return fmt.Errorf("emitter: no publisher")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("emitter: started", "queue_size", e.opts.QueueSize)
	return nil
}

// Stop delivers what is already queued and stops. Events arriving after Stop
// are dropped.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	s := e.Stats()
	e.logger.Info("emitter: stopped",
		"published", s.Published,
		"dropped", s.Dropped,
		"errors", s.Errors,
	)
}

func (e *Emitter) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case m := <-e.queue:
			e.deliver(m)
		case <-ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case m := <-e.queue:
					e.deliver(m)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(m message) {
	if err := e.opts.Publisher.Publish(m.topic, e.opts.QoS, m.payload); err != nil {
		e.errors.Add(1)
		e.logger.Warn("emitter: publish failed", "topic", m.topic, "error", err)
		return
	}
	e.published.Add(1)
}

// OnShutter implements camera.Callbacks.
func (e *Emitter) OnShutter(frameNumber uint32, timestamp int64) {
	e.enqueue(e.opts.Topics.Shutter, ShutterMessage{
		Camera:      e.opts.CameraID,
		FrameNumber: frameNumber,
		Timestamp:   timestamp,
	})
}

// OnCaptureResult implements camera.Callbacks.
func (e *Emitter) OnCaptureResult(r camera.CaptureResult) {
	e.enqueue(e.opts.Topics.Result, ResultMessage{
		Camera:        e.opts.CameraID,
		FrameNumber:   r.FrameNumber,
		Timestamp:     r.Timestamp,
		Stream:        int(r.OutputBuffer.Stream),
		Status:        r.OutputBuffer.Status.String(),
		Length:        r.OutputBuffer.Length,
		PartialResult: r.PartialResult,
		TraceID:       r.TraceID,
		Metadata:      metadataMap(r.Metadata),
	})
}

func (e *Emitter) enqueue(topic string, v any) {
	if topic == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.errors.Add(1)
		e.logger.Error("emitter: marshal failed", "topic", topic, "error", err)
		return
	}

	e.enqueued.Add(1)
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.dropped.Add(1)
		return
	}

	select {
	case e.queue <- message{topic: topic, payload: payload}:
	default:
		// Drop-new: never block the pipeline on the broker.
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			e.logger.Warn("emitter: queue full, dropping", "topic", topic, "dropped_total", n)
		}
	}
}

// Stats returns a snapshot.
func (e *Emitter) Stats() Stats {
	return Stats{
		Enqueued:  e.enqueued.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
		Pending:   len(e.queue),
	}
}

func metadataMap(m *metadata.Metadata) map[string][]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string][]int64, m.Len())
	for _, tag := range m.Tags() {
		v, _ := m.Get(tag)
		out[tag.String()] = append([]int64(nil), v...)
	}
	return out
}
