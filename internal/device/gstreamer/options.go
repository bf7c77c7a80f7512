package gstreamer

import (
	"fmt"
	"log/slog"
	"strings"
)

// videotestsrc pattern enum values.
var patterns = map[string]int{
	"smpte":      0,
	"snow":       1,
	"black":      2,
	"white":      3,
	"red":        4,
	"green":      5,
	"blue":       6,
	"checkers-1": 7,
	"checkers-2": 8,
	"checkers-4": 9,
	"checkers-8": 10,
	"circular":   11,
	"blink":      12,
	"smpte75":    13,
	"zone-plate": 14,
	"gamut":      15,
	"ball":       18,
	"smpte100":   19,
	"bar":        20,
}

// Options configures a GStreamer device.
type Options struct {
	// Pattern is a videotestsrc pattern name (default "smpte").
	Pattern string
	// FrameRate in frames per second (default 30).
	FrameRate int
	// MaxBuffers reported per stream and appsink queue depth (default 4).
	MaxBuffers int
	Logger     *slog.Logger

	pattern int
}

// ParsePattern maps a videotestsrc pattern name to its enum value.
func ParsePattern(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	id, ok := patterns[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown videotestsrc pattern %q", name)
	}
	return id, nil
}

func (o *Options) defaults() error {
	if o.Pattern == "" {
		o.Pattern = "smpte"
	}
	id, err := ParsePattern(o.Pattern)
	if err != nil {
		return err
	}
	o.pattern = id
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.MaxBuffers <= 0 {
		o.MaxBuffers = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
