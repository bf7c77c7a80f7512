package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/e7canasta/camhal/internal/camera"
)

// EnvPrefix prefixes environment overrides: CAMHAL_PIPELINE_MAX_IN_FLIGHT
// overrides pipeline.max_in_flight.
const EnvPrefix = "CAMHAL"

// Config represents the complete camhal configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id" mapstructure:"instance_id"`
	CameraID         int             `yaml:"camera_id" mapstructure:"camera_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s" mapstructure:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Log              LogConfig       `yaml:"log" mapstructure:"log"`
	Device           DeviceConfig    `yaml:"device" mapstructure:"device"`
	Pipeline         PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Streams          []StreamConfig  `yaml:"streams" mapstructure:"streams"`
	Generator        GeneratorConfig `yaml:"generator" mapstructure:"generator"`
	MQTT             MQTTConfig      `yaml:"mqtt" mapstructure:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http" mapstructure:"http"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// DeviceConfig selects and tunes the frame source
type DeviceConfig struct {
	Kind            string `yaml:"kind" mapstructure:"kind"`                           // sim, gstreamer
	MaxBuffers      int    `yaml:"max_buffers" mapstructure:"max_buffers"`             // buffers per stream the device accepts
	FrameIntervalMS int    `yaml:"frame_interval_ms" mapstructure:"frame_interval_ms"` // sim: delay between completions
	Pattern         string `yaml:"pattern" mapstructure:"pattern"`                     // gstreamer: videotestsrc pattern
}

// PipelineConfig contains admission and worker settings
type PipelineConfig struct {
	MaxInFlight        int `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	AdmissionTimeoutMS int `yaml:"admission_timeout_ms" mapstructure:"admission_timeout_ms"`
	FlushTimeoutMS     int `yaml:"flush_timeout_ms" mapstructure:"flush_timeout_ms"`
	FenceTimeoutMS     int `yaml:"fence_timeout_ms" mapstructure:"fence_timeout_ms"`
	DequeueTimeoutMS   int `yaml:"dequeue_timeout_ms" mapstructure:"dequeue_timeout_ms"`
	IdleTimeoutMS      int `yaml:"idle_timeout_ms" mapstructure:"idle_timeout_ms"`
	MaxRetries         int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMS       int `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	MaxRetryDelayMS    int `yaml:"max_retry_delay_ms" mapstructure:"max_retry_delay_ms"`
	JpegQuality        int `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

// StreamConfig defines a single output stream
type StreamConfig struct {
	ID       int    `yaml:"id" mapstructure:"id"`
	Width    int    `yaml:"width" mapstructure:"width"`
	Height   int    `yaml:"height" mapstructure:"height"`
	Format   string `yaml:"format" mapstructure:"format"`     // implementation_defined, yuv420, blob
	Rotation int    `yaml:"rotation" mapstructure:"rotation"` // 0, 90, 180, 270
}

// GeneratorConfig drives the simulator's request loop
type GeneratorConfig struct {
	RateHz   float64 `yaml:"rate_hz" mapstructure:"rate_hz"`
	Burst    int     `yaml:"burst" mapstructure:"burst"`
	Template string  `yaml:"template" mapstructure:"template"`
	Frames   int     `yaml:"frames" mapstructure:"frames"` // 0 runs until shutdown
	// BlobEvery adds the blob streams to every Nth request (0: never)
	BlobEvery int `yaml:"blob_every" mapstructure:"blob_every"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled   bool       `yaml:"enabled" mapstructure:"enabled"`
	Broker    string     `yaml:"broker" mapstructure:"broker"`
	ClientID  string     `yaml:"client_id" mapstructure:"client_id"`
	Topics    MQTTTopics `yaml:"topics" mapstructure:"topics"`
	QoS       byte       `yaml:"qos" mapstructure:"qos"`
	QueueSize int        `yaml:"queue_size" mapstructure:"queue_size"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Shutter  string `yaml:"shutter" mapstructure:"shutter"`
	Result   string `yaml:"result" mapstructure:"result"`
	Health   string `yaml:"health" mapstructure:"health"`
	Control  string `yaml:"control" mapstructure:"control"`   // commands in
	Response string `yaml:"response" mapstructure:"response"` // command acks out
}

// HTTPConfig contains the stats/metrics server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "camhal-sim")
	v.SetDefault("camera_id", 0)
	v.SetDefault("shutdown_timeout_s", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("device.kind", "sim")
	v.SetDefault("device.max_buffers", 4)
	v.SetDefault("device.frame_interval_ms", 33)
	v.SetDefault("device.pattern", "smpte")

	v.SetDefault("pipeline.max_in_flight", 10)
	v.SetDefault("pipeline.admission_timeout_ms", int(camera.DefaultAdmissionTimeout/time.Millisecond))
	v.SetDefault("pipeline.flush_timeout_ms", int(camera.DefaultFlushTimeout/time.Millisecond))
	v.SetDefault("pipeline.fence_timeout_ms", int(camera.DefaultFenceTimeout/time.Millisecond))
	v.SetDefault("pipeline.dequeue_timeout_ms", int(camera.DefaultDequeueTimeout/time.Millisecond))
	v.SetDefault("pipeline.idle_timeout_ms", int(camera.DefaultIdleTimeout/time.Millisecond))
	v.SetDefault("pipeline.max_retries", 5)
	v.SetDefault("pipeline.retry_delay_ms", 10)
	v.SetDefault("pipeline.max_retry_delay_ms", 500)
	v.SetDefault("pipeline.jpeg_quality", 95)

	v.SetDefault("streams", []map[string]any{
		{"id": 0, "width": 640, "height": 480, "format": "implementation_defined"},
		{"id": 1, "width": 1280, "height": 720, "format": "blob"},
	})

	v.SetDefault("generator.rate_hz", 30.0)
	v.SetDefault("generator.burst", 1)
	v.SetDefault("generator.template", "preview")
	v.SetDefault("generator.frames", 0)
	v.SetDefault("generator.blob_every", 30)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.queue_size", 256)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
}

// Load reads the YAML file at path (optional when empty), applies
// CAMHAL_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Descriptors converts the stream list to camera descriptors.
func (c *Config) Descriptors() ([]camera.StreamDescriptor, error) {
	out := make([]camera.StreamDescriptor, 0, len(c.Streams))
	for _, s := range c.Streams {
		f, err := camera.ParseFormat(s.Format)
		if err != nil {
			return nil, err
		}
		out = append(out, camera.StreamDescriptor{
			ID:       camera.StreamID(s.ID),
			Width:    s.Width,
			Height:   s.Height,
			Format:   f,
			Rotation: camera.Rotation(s.Rotation),
		})
	}
	return out, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Millis converts a millisecond config value.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
