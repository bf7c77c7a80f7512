// Command camhal-sim drives a capture pipeline with synthetic requests.
//
// It loads the YAML config, opens one camera on a simulated or GStreamer
// device, submits requests at the configured rate and optionally publishes
// shutter/result events to MQTT. Health, stats and Prometheus metrics are
// served over HTTP. SIGINT/SIGTERM flush the pipeline and exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camhal"
	"github.com/e7canasta/camhal/internal/admission"
	"github.com/e7canasta/camhal/internal/config"
	"github.com/e7canasta/camhal/internal/control"
	"github.com/e7canasta/camhal/internal/device/gstreamer"
	"github.com/e7canasta/camhal/internal/device/sim"
	"github.com/e7canasta/camhal/internal/emitter"
	"github.com/e7canasta/camhal/internal/server"
)

const (
	version        = "v0.1.0"
	healthInterval = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides log.level)")
	frames := flag.Int("frames", -1, "Stop after this many requests (overrides generator.frames)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camhal-sim %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *frames >= 0 {
		cfg.Generator.Frames = *frames
	}

	var level slog.LevelVar
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	if *debug {
		lvl = slog.LevelDebug
	}
	level.Set(lvl)
	logger := newLogger(cfg.Log.Format, &level)
	slog.SetDefault(logger)

	slog.Info("starting camhal-sim",
		"version", version,
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"device", cfg.Device.Kind,
	)

	if err := run(cfg, *configPath, *debug, &level, logger); err != nil {
		slog.Error("camhal-sim failed", "error", err)
		os.Exit(1)
	}
	slog.Info("camhal-sim stopped successfully")
}

func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, configPath string, debug bool, level *slog.LevelVar, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" && !debug {
		err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
			lvl, err := config.ParseLevel(c.Log.Level)
			if err != nil {
				return
			}
			if lvl != level.Level() {
				level.Set(lvl)
				logger.Info("log level changed", "level", lvl.String())
			}
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	dev, closeDevice, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDevice()

	// Callbacks: result tally, plus MQTT when enabled.
	counts := newTally()
	sinks := fanout{counts}

	var (
		pub  *emitter.MQTTPublisher
		emit *emitter.Emitter
	)
	if cfg.MQTT.Enabled {
		pub = emitter.NewMQTTPublisher(emitter.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Logger:   logger,
		})
		if err := pub.Connect(ctx); err != nil {
			// Auto-reconnect keeps trying; events queue and drop meanwhile.
			logger.Warn("mqtt: initial connection failed", "error", err)
		}
		defer pub.Disconnect()

		emit = emitter.New(emitter.Options{
			Publisher: pub,
			Topics:    emitter.Topics{Shutter: cfg.MQTT.Topics.Shutter, Result: cfg.MQTT.Topics.Result},
			QoS:       cfg.MQTT.QoS,
			QueueSize: cfg.MQTT.QueueSize,
			CameraID:  cfg.CameraID,
			Logger:    logger,
		})
		if err := emit.Start(context.Background()); err != nil {
			return err
		}
		defer emit.Stop()
		sinks = append(sinks, emit)
	}

	mgr := camhal.NewManager(logger)
	p, err := mgr.Open(cfg.CameraID, pipelineOptions(cfg, dev, logger), sinks)
	if err != nil {
		return fmt.Errorf("failed to open camera %d: %w", cfg.CameraID, err)
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	streams, err := p.ConfigureStreams(ctx, descs)
	if err != nil {
		_ = mgr.CloseAll()
		return fmt.Errorf("failed to configure streams: %w", err)
	}
	for _, s := range streams {
		logger.Info("stream configured",
			"stream", s.ID,
			"resolution", s.Resolution(),
			"format", s.Format.String(),
			"rotation", int(s.Rotation),
			"max_buffers", s.MaxBuffers,
		)
	}

	template, _ := admission.ParseTemplate(cfg.Generator.Template)
	gen := newGenerator(generatorConfig{
		RateHz:    cfg.Generator.RateHz,
		Burst:     cfg.Generator.Burst,
		Template:  template,
		Frames:    cfg.Generator.Frames,
		BlobEvery: cfg.Generator.BlobEvery,
	}, p, streams, logger)

	src := &healthSource{Pipeline: p, pub: pub}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := gen.Run(gctx)
		if cfg.Generator.Frames > 0 {
			// Let the last requests finish, then stop everything else.
			if ferr := p.Flush(context.Background()); ferr != nil {
				logger.Warn("flush after generator failed", "error", ferr)
			}
			cancel()
		}
		return err
	})

	if cfg.HTTP.Enabled {
		srv := server.New(server.Options{
			Addr:    cfg.HTTP.Addr,
			Source:  src,
			Metrics: p.MetricsHandler(),
			Logger:  logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	var ctl *control.Handler
	if pub != nil {
		ctl = control.NewHandler(control.Options{
			Transport:     pub,
			CommandTopic:  cfg.MQTT.Topics.Control,
			ResponseTopic: cfg.MQTT.Topics.Response,
			QoS:           cfg.MQTT.QoS,
			Callbacks:     commandCallbacks(p, gen, level, cancel),
			Logger:        logger,
		})
		if err := ctl.Start(gctx); err != nil {
			logger.Warn("control plane disabled", "error", err)
			ctl = nil
		}
	}

	if pub != nil && cfg.MQTT.Topics.Health != "" {
		g.Go(func() error {
			publishHealth(gctx, pub, cfg.MQTT.Topics.Health, cfg.MQTT.QoS, src, logger)
			return nil
		})
	}

	runErr := g.Wait()
	if ctl != nil {
		ctl.Wait()
	}
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	logger.Info("shutting down gracefully", "timeout", shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := p.Flush(shutdownCtx); err != nil && !errors.Is(err, camhal.ErrTimeout) {
		logger.Warn("flush failed", "error", err)
	}
	printSummary(p, gen, counts)
	if err := mgr.CloseAll(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func openDevice(cfg *config.Config, logger *slog.Logger) (camhal.Device, func(), error) {
	switch cfg.Device.Kind {
	case "gstreamer":
		dev, err := gstreamer.New(gstreamer.Options{
			Pattern:    cfg.Device.Pattern,
			FrameRate:  frameRate(cfg.Device.FrameIntervalMS),
			MaxBuffers: cfg.Device.MaxBuffers,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gstreamer device: %w", err)
		}
		return dev, func() { _ = dev.Close() }, nil
	default:
		dev := sim.New(sim.Options{
			MaxBuffers:    cfg.Device.MaxBuffers,
			FrameInterval: config.Millis(cfg.Device.FrameIntervalMS),
			Logger:        logger,
		})
		return dev, func() {}, nil
	}
}

func frameRate(intervalMS int) int {
	if intervalMS <= 0 {
		return 30
	}
	return max(1, 1000/intervalMS)
}

func pipelineOptions(cfg *config.Config, dev camhal.Device, logger *slog.Logger) camhal.Options {
	pc := cfg.Pipeline
	return camhal.Options{
		Device:           dev,
		JpegQuality:      pc.JpegQuality,
		MaxInFlight:      pc.MaxInFlight,
		AdmissionTimeout: config.Millis(pc.AdmissionTimeoutMS),
		FlushTimeout:     config.Millis(pc.FlushTimeoutMS),
		FenceTimeout:     config.Millis(pc.FenceTimeoutMS),
		DequeueTimeout:   config.Millis(pc.DequeueTimeoutMS),
		IdleTimeout:      config.Millis(pc.IdleTimeoutMS),
		Retry: camhal.RetryConfig{
			MaxRetries:    pc.MaxRetries,
			RetryDelay:    config.Millis(pc.RetryDelayMS),
			MaxRetryDelay: config.Millis(pc.MaxRetryDelayMS),
		},
		Logger: logger,
	}
}

// healthSource adds the MQTT connection state to the pipeline's health.
type healthSource struct {
	*camhal.Pipeline
	pub *emitter.MQTTPublisher
}

func (h *healthSource) Health() server.Health {
	s := h.Pipeline.Health()
	if h.pub != nil {
		connected := h.pub.Connected()
		s.MQTTConnected = &connected
		if !connected && s.Status == server.StatusHealthy {
			s.Status = server.StatusDegraded
		}
	}
	return s
}

// publishHealth publishes the health snapshot periodically until ctx is done.
func publishHealth(ctx context.Context, pub emitter.Publisher, topic string, qos byte, src server.Source, logger *slog.Logger) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(src.Health())
			if err != nil {
				continue
			}
			if err := pub.Publish(topic, qos, payload); err != nil {
				logger.Debug("health publish failed", "error", err)
			}
		}
	}
}

func commandCallbacks(p *camhal.Pipeline, gen *generator, level *slog.LevelVar, shutdown context.CancelFunc) control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: func() map[string]any {
			return statusMap(p.Stats())
		},
		OnFlush:   p.Flush,
		OnPause:   gen.Pause,
		OnResume:  gen.Resume,
		OnSetRate: gen.SetRate,
		OnSetLogLevel: func(s string) error {
			lvl, err := config.ParseLevel(s)
			if err != nil {
				return err
			}
			level.Set(lvl)
			return nil
		},
		OnShutdown: func() error {
			shutdown()
			return nil
		},
	}
}

// statusMap flattens a stats snapshot through its JSON form.
func statusMap(s camhal.Stats) map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func printSummary(p *camhal.Pipeline, gen *generator, counts *tally) {
	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf(" camhal-sim summary (submitted %d)\n", gen.Submitted())
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	_ = enc.Encode(counts.summary())
	_ = enc.Close()
	_ = p.Dump(os.Stdout)
}
