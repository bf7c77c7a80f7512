package admission

import (
	"fmt"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
)

// Template selects a set of default request settings.
type Template int

// Request templates, numbered as capture intents.
const (
	TemplatePreview Template = iota + 1
	TemplateStillCapture
	TemplateVideoRecord
	TemplateVideoSnapshot
	TemplateZeroShutterLag
	TemplateManual
)

var templateNames = map[Template]string{
	TemplatePreview:        "preview",
	TemplateStillCapture:   "still_capture",
	TemplateVideoRecord:    "video_record",
	TemplateVideoSnapshot:  "video_snapshot",
	TemplateZeroShutterLag: "zero_shutter_lag",
	TemplateManual:         "manual",
}

// String implements fmt.Stringer.
func (t Template) String() string {
	if n, ok := templateNames[t]; ok {
		return n
	}
	return fmt.Sprintf("template(%d)", int(t))
}

// ParseTemplate maps a config name to a Template.
func ParseTemplate(s string) (Template, error) {
	for t, n := range templateNames {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown template %q", camera.ErrInvalidArgument, s)
}

// Control values used by the templates.
const (
	modeOff  = 0
	modeAuto = 1

	afOff               = 0
	afContinuousVideo   = 3
	afContinuousPicture = 4

	defaultJpegQuality = 95
)

// buildTemplates returns the default settings of every template.
func buildTemplates() map[Template]*metadata.Metadata {
	out := make(map[Template]*metadata.Metadata, len(templateNames))
	for t := range templateNames {
		m := metadata.New()
		m.Set(metadata.TagControlCaptureIntent, int64(t))
		m.Set(metadata.TagControlMode, modeAuto)
		m.Set(metadata.TagControlAEMode, modeAuto)
		m.Set(metadata.TagControlAWBMode, modeAuto)
		m.Set(metadata.TagJpegQuality, defaultJpegQuality)
		m.Set(metadata.TagJpegThumbnailSize, 320, 240)
		m.Set(metadata.TagJpegOrientation, 0)

		switch t {
		case TemplateVideoRecord, TemplateVideoSnapshot:
			m.Set(metadata.TagControlAFMode, afContinuousVideo)
		case TemplateManual:
			m.Set(metadata.TagControlMode, modeOff)
			m.Set(metadata.TagControlAEMode, modeOff)
			m.Set(metadata.TagControlAWBMode, modeOff)
			m.Set(metadata.TagControlAFMode, afOff)
		default:
			m.Set(metadata.TagControlAFMode, afContinuousPicture)
		}
		out[t] = m
	}
	return out
}
