package camhal

import (
	"github.com/e7canasta/camhal/internal/admission"
	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
	"github.com/e7canasta/camhal/internal/stream"
)

// Data model, re-exported from the internal packages.
type (
	StreamID         = camera.StreamID
	BufferHandle     = camera.BufferHandle
	Format           = camera.Format
	Rotation         = camera.Rotation
	StreamDescriptor = camera.StreamDescriptor
	StreamBuffer     = camera.StreamBuffer
	BufferStatus     = camera.BufferStatus
	CaptureRequest   = camera.CaptureRequest
	CaptureResult    = camera.CaptureResult
	DeviceBuffer     = camera.DeviceBuffer

	Device        = camera.Device
	Fence         = camera.Fence
	PostProcessor = camera.PostProcessor
	Callbacks     = camera.Callbacks
	CallbackFuncs = camera.CallbackFuncs
	ChanFence     = camera.ChanFence
	SignaledFence = camera.SignaledFence

	Metadata = metadata.Metadata
	Tag      = metadata.Tag

	Template = admission.Template
	Stats    = admission.Stats
)

// Stream formats.
const (
	FormatImplementationDefined = camera.FormatImplementationDefined
	FormatYUV420                = camera.FormatYUV420
	FormatBlob                  = camera.FormatBlob
)

// Stream rotations.
const (
	Rotation0   = camera.Rotation0
	Rotation90  = camera.Rotation90
	Rotation180 = camera.Rotation180
	Rotation270 = camera.Rotation270
)

// Buffer statuses.
const (
	BufferOK    = camera.BufferOK
	BufferError = camera.BufferError
)

// Request templates.
const (
	TemplatePreview        = admission.TemplatePreview
	TemplateStillCapture   = admission.TemplateStillCapture
	TemplateVideoRecord    = admission.TemplateVideoRecord
	TemplateVideoSnapshot  = admission.TemplateVideoSnapshot
	TemplateZeroShutterLag = admission.TemplateZeroShutterLag
	TemplateManual         = admission.TemplateManual
)

// MaxStreams is the largest stream set one configuration may hold.
const MaxStreams = camera.MaxStreams

// Errors returned by the pipeline. Match with errors.Is.
var (
	ErrInvalidArgument   = camera.ErrInvalidArgument
	ErrTimeout           = camera.ErrTimeout
	ErrProtocolMismatch  = camera.ErrProtocolMismatch
	ErrResourceExhausted = camera.ErrResourceExhausted
	ErrInvalidState      = camera.ErrInvalidState
	ErrDeviceFailure     = camera.ErrDeviceFailure
)

// NewMetadata returns an empty metadata buffer.
func NewMetadata() *Metadata { return metadata.New() }

// FrameSize is the byte size of an NV12 frame.
func FrameSize(width, height int) int { return camera.FrameSize(width, height) }

// RetryConfig bounds the backoff applied to failed device dequeues.
type RetryConfig = stream.RetryConfig
