//go:build !gstreamer

package gstreamer

import (
	"errors"

	"github.com/e7canasta/camhal/internal/camera"
)

// Available reports whether this build links GStreamer.
const Available = false

// ErrUnavailable is returned by New when built without the gstreamer tag.
var ErrUnavailable = errors.New("gstreamer: not compiled in (build with -tags gstreamer)")

// Device is a placeholder so callers compile without cgo.
type Device struct {
	camera.Device
}

// New always fails in this build.
func New(opts Options) (*Device, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	return nil, ErrUnavailable
}

// Close is a no-op.
func (d *Device) Close() error { return nil }
