// Package control is the MQTT control plane of the simulator.
//
// Commands arrive as JSON on the control topic:
//
//	{"command": "set_rate", "params": {"rate_hz": 10}}
//
// and are executed one at a time on a dedicated goroutine. Each command is
// answered on the response topic with a Response whose command_ack echoes
// the command name.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Transport is the broker side of the control plane.
type Transport interface {
	Subscribe(topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers its command with an error.
type CommandCallbacks struct {
	OnGetStatus   func() map[string]any
	OnFlush       func(ctx context.Context) error
	OnPause       func() error
	OnResume      func() error
	OnSetRate     func(hz float64) error
	OnSetLogLevel func(level string) error
	OnShutdown    func() error
}

// Options configures a Handler.
type Options struct {
	Transport     Transport
	CommandTopic  string
	ResponseTopic string
	QoS           byte
	// CommandTimeout bounds commands that take a context (default 5s).
	CommandTimeout time.Duration
	Callbacks      CommandCallbacks
	Logger         *slog.Logger
}

// Handler handles control plane commands
type Handler struct {
	opts     Options
	logger   *slog.Logger
	commands chan Command

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(opts Options) *Handler {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		opts:     opts,
		logger:   opts.Logger.With("component", "control"),
		commands: make(chan Command, 10),
	}
}

// Start subscribes to the command topic and processes commands until ctx is
// done.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("control: already started")
	}
	if h.opts.Transport == nil {
		return fmt.Errorf("control: no transport")
	}

	h.logger.Info("control: subscribing", "topic", h.opts.CommandTopic, "qos", h.opts.QoS)
	if err := h.opts.Transport.Subscribe(h.opts.CommandTopic, h.opts.QoS, h.onMessage); err != nil {
		return fmt.Errorf("control: subscribe %s: %w", h.opts.CommandTopic, err)
	}
	h.started = true

	h.wg.Add(1)
	go h.processCommands(ctx)
	h.logger.Info("control: handler started")
	return nil
}

// Wait blocks until the command loop exits.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// onMessage is called by the transport on its own goroutine.
func (h *Handler) onMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control: command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	defer func() {
		if err := h.opts.Transport.Unsubscribe(h.opts.CommandTopic); err != nil {
			h.logger.Debug("control: unsubscribe failed", "error", err)
		}
		h.logger.Info("control: handler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: StatusSuccess}
	cb := h.opts.Callbacks

	var err error
	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			err = errNotImplemented(cmd.Command)
			break
		}
		resp.Data = cb.OnGetStatus()

	case "flush":
		if cb.OnFlush == nil {
			err = errNotImplemented(cmd.Command)
			break
		}
		fctx, cancel := context.WithTimeout(ctx, h.opts.CommandTimeout)
		err = cb.OnFlush(fctx)
		cancel()

	case "pause":
		err = call(cmd.Command, cb.OnPause)
		if err == nil {
			resp.Data = map[string]any{"generator_active": false}
		}

	case "resume":
		err = call(cmd.Command, cb.OnResume)
		if err == nil {
			resp.Data = map[string]any{"generator_active": true}
		}

	case "set_rate":
		var hz float64
		if hz, err = floatParam(cmd.Params, "rate_hz"); err != nil {
			break
		}
		if cb.OnSetRate == nil {
			err = errNotImplemented(cmd.Command)
			break
		}
		if err = cb.OnSetRate(hz); err == nil {
			resp.Data = map[string]any{"rate_hz": hz}
		}

	case "set_log_level":
		level, ok := cmd.Params["level"].(string)
		if !ok {
			err = fmt.Errorf("missing or invalid 'level' parameter")
			break
		}
		if cb.OnSetLogLevel == nil {
			err = errNotImplemented(cmd.Command)
			break
		}
		if err = cb.OnSetLogLevel(level); err == nil {
			resp.Data = map[string]any{"level": level}
		}

	case "shutdown":
		err = call(cmd.Command, cb.OnShutdown)

	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		resp.Data = nil
	}
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := h.opts.Transport.Publish(h.opts.ResponseTopic, h.opts.QoS, payload); err != nil {
		h.logger.Error("control: failed to publish response", "error", err)
		return
	}
	h.logger.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func call(name string, fn func() error) error {
	if fn == nil {
		return errNotImplemented(name)
	}
	return fn()
}

func errNotImplemented(name string) error {
	return fmt.Errorf("%s not implemented", name)
}

// floatParam reads a numeric parameter. JSON numbers decode as float64.
func floatParam(params map[string]any, key string) (float64, error) {
	v, ok := params[key].(float64)
	if !ok {
		return 0, fmt.Errorf("missing or invalid '%s' parameter", key)
	}
	return v, nil
}
