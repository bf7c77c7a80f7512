package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/e7canasta/camhal/internal/admission"
	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/device/gstreamer"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.CameraID < 0 {
		return fmt.Errorf("camera_id must be >= 0")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "json", "text":
	case "":
		cfg.Log.Format = "json"
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	switch cfg.Device.Kind {
	case "sim", "gstreamer":
	default:
		return fmt.Errorf("device.kind must be sim or gstreamer, got %q", cfg.Device.Kind)
	}
	if cfg.Device.MaxBuffers <= 0 {
		return fmt.Errorf("device.max_buffers must be > 0")
	}
	if cfg.Device.FrameIntervalMS < 0 {
		return fmt.Errorf("device.frame_interval_ms must be >= 0")
	}
	if cfg.Device.Kind == "gstreamer" {
		if _, err := gstreamer.ParsePattern(cfg.Device.Pattern); err != nil {
			return fmt.Errorf("device.pattern: %w", err)
		}
	}

	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	if err := ValidateStreams(cfg.Streams); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}

	if cfg.Generator.RateHz <= 0 {
		return fmt.Errorf("generator.rate_hz must be > 0")
	}
	if cfg.Generator.Burst <= 0 {
		cfg.Generator.Burst = 1
	}
	if _, err := admission.ParseTemplate(cfg.Generator.Template); err != nil {
		return fmt.Errorf("generator.template: %w", err)
	}
	if cfg.Generator.Frames < 0 || cfg.Generator.BlobEvery < 0 {
		return fmt.Errorf("generator.frames and generator.blob_every must be >= 0")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("camhal-%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Shutter == "" {
		cfg.MQTT.Topics.Shutter = fmt.Sprintf("camhal/%s/shutter", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Result == "" {
		cfg.MQTT.Topics.Result = fmt.Sprintf("camhal/%s/result", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("camhal/%s/health", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("camhal/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Response == "" {
		cfg.MQTT.Topics.Response = fmt.Sprintf("camhal/%s/control/response", cfg.InstanceID)
	}
	if cfg.MQTT.QueueSize <= 0 {
		cfg.MQTT.QueueSize = 256
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}

	return nil
}

func validatePipeline(p *PipelineConfig) error {
	if p.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be > 0")
	}
	timeouts := map[string]int{
		"admission_timeout_ms": p.AdmissionTimeoutMS,
		"flush_timeout_ms":     p.FlushTimeoutMS,
		"fence_timeout_ms":     p.FenceTimeoutMS,
		"dequeue_timeout_ms":   p.DequeueTimeoutMS,
		"idle_timeout_ms":      p.IdleTimeoutMS,
	}
	for name, v := range timeouts {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.RetryDelayMS <= 0 || p.MaxRetryDelayMS < p.RetryDelayMS {
		return fmt.Errorf("retry delays must satisfy 0 < retry_delay_ms <= max_retry_delay_ms")
	}
	if p.JpegQuality < 1 || p.JpegQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [1, 100], got %d", p.JpegQuality)
	}
	return nil
}

// ValidateStreams validates the stream list for correctness
func ValidateStreams(streams []StreamConfig) error {
	if len(streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	if len(streams) > camera.MaxStreams {
		return fmt.Errorf("at most %d streams, got %d", camera.MaxStreams, len(streams))
	}

	seen := make(map[int]bool, len(streams))
	for i, s := range streams {
		if seen[s.ID] {
			return fmt.Errorf("stream %d: duplicate id %d", i, s.ID)
		}
		seen[s.ID] = true

		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("stream %d: size must be > 0, got %dx%d", s.ID, s.Width, s.Height)
		}
		if s.Width%2 != 0 || s.Height%2 != 0 {
			return fmt.Errorf("stream %d: size must be even, got %dx%d", s.ID, s.Width, s.Height)
		}
		f, err := camera.ParseFormat(s.Format)
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.ID, err)
		}
		switch s.Rotation {
		case 0, 90, 180, 270:
		default:
			return fmt.Errorf("stream %d: rotation must be 0, 90, 180 or 270, got %d", s.ID, s.Rotation)
		}
		if f == camera.FormatBlob && s.Rotation != 0 {
			return fmt.Errorf("stream %d: blob streams cannot rotate", s.ID)
		}
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}
