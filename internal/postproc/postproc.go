// Package postproc turns filled NV12 device buffers into framework output:
// JPEG with an EXIF thumbnail for BLOB streams, clockwise rotation for
// streams configured with a rotation.
//
// BLOB output layout:
//
//	[JPEG bytes ...][unused ...][blob trailer]
//
// The trailer sits in the last 8 bytes of the output buffer: a little-endian
// uint16 id (0x00FF), 2 bytes padding, a little-endian uint32 JPEG size.
package postproc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/metadata"
)

var (
	ErrInvalidInput      = errors.New("postproc: invalid input")
	ErrOutputTooSmall    = errors.New("postproc: output buffer too small")
	ErrThumbnailTooLarge = errors.New("postproc: thumbnail does not fit in exif")
	ErrUnsupported       = errors.New("postproc: unsupported operation")
)

const (
	// BlobTrailerID marks a valid trailer.
	BlobTrailerID = 0x00FF
	// BlobTrailerSize is the size of the trailer in bytes.
	BlobTrailerSize = 8

	DefaultQuality = 95
)

// Options configures an Encoder.
type Options struct {
	// DefaultQuality applies when the request carries no JPEG quality.
	DefaultQuality int
	// Scaler resamples the thumbnail stream to the requested thumbnail size.
	// Defaults to draw.ApproxBiLinear.
	Scaler draw.Scaler
	Logger *slog.Logger
}

// Encoder implements camera.PostProcessor and camera.Rotator. Stateless
// apart from its options, safe for concurrent use.
type Encoder struct {
	quality int
	scaler  draw.Scaler
	logger  *slog.Logger
}

var (
	_ camera.PostProcessor = (*Encoder)(nil)
	_ camera.Rotator       = (*Encoder)(nil)
)

// New returns an Encoder.
func New(opts Options) *Encoder {
	if opts.DefaultQuality <= 0 || opts.DefaultQuality > 100 {
		opts.DefaultQuality = DefaultQuality
	}
	if opts.Scaler == nil {
		opts.Scaler = draw.ApproxBiLinear
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Encoder{
		quality: opts.DefaultQuality,
		scaler:  opts.Scaler,
		logger:  opts.Logger.With("component", "postproc"),
	}
}

// Encode compresses input into output.
//
// Quality, orientation and thumbnail size come from meta. The thumbnail is
// taken from the shadow stream buffer, scaled to the requested size and
// embedded in EXIF; a requested size of 0x0, a nil thumbnail or one too large
// for the segment only drops the thumbnail. Returns the JPEG size.
func (e *Encoder) Encode(input, thumbnail *camera.DeviceBuffer, meta *metadata.Metadata, output []byte) (int, error) {
	img, err := ycbcr(input)
	if err != nil {
		return 0, err
	}
	quality := e.qualityOf(meta)

	var main bytes.Buffer
	main.Grow(input.Width * input.Height / 4)
	if err := jpeg.Encode(&main, img, &jpeg.Options{Quality: quality}); err != nil {
		return 0, fmt.Errorf("postproc: encode %dx%d: %w", input.Width, input.Height, err)
	}

	var thumb []byte
	if tw, th := thumbnailRequest(meta); tw > 0 && th > 0 && thumbnail != nil {
		thumb, err = e.thumbnail(thumbnail, tw, th, quality)
		if err != nil {
			e.logger.Warn("postproc: thumbnail dropped", "error", err)
			thumb = nil
		}
	}

	var orientation int64
	if meta != nil {
		orientation, _ = meta.Int64(metadata.TagJpegOrientation)
	}
	seg, err := app1(exifOrientation(orientation), thumb)
	if errors.Is(err, ErrThumbnailTooLarge) {
		e.logger.Warn("postproc: thumbnail dropped", "error", err, "thumbnail_bytes", len(thumb))
		seg, err = app1(exifOrientation(orientation), nil)
	}
	if err != nil {
		return 0, err
	}

	// SOI, APP1, then the encoder output after its own SOI.
	body := main.Bytes()[2:]
	n := 2 + len(seg) + len(body)
	if n+BlobTrailerSize > len(output) {
		return 0, fmt.Errorf("%w: jpeg of %d bytes, output has %d", ErrOutputTooSmall, n, len(output))
	}
	out := output[:0]
	out = append(out, 0xFF, 0xD8)
	out = append(out, seg...)
	out = append(out, body...)

	putTrailer(output, n)

	e.logger.Debug("postproc: encoded",
		"resolution", fmt.Sprintf("%dx%d", input.Width, input.Height),
		"quality", quality,
		"bytes", n,
		"thumbnail_bytes", len(thumb),
	)
	return n, nil
}

func (e *Encoder) thumbnail(src *camera.DeviceBuffer, w, h, quality int) ([]byte, error) {
	img, err := ycbcr(src)
	if err != nil {
		return nil, err
	}
	var scaled image.Image = img
	if w != src.Width || h != src.Height {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		e.scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		scaled = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("postproc: encode thumbnail %dx%d: %w", w, h, err)
	}
	return buf.Bytes(), nil
}

// Rotate rotates an NV12 frame clockwise by rot into output. input carries
// the device geometry; the output geometry swaps axes for 90 and 270.
func (e *Encoder) Rotate(input *camera.DeviceBuffer, rot camera.Rotation, output []byte) (int, error) {
	if input == nil {
		return 0, fmt.Errorf("%w: nil input", ErrInvalidInput)
	}
	switch rot {
	case camera.Rotation0, camera.Rotation90, camera.Rotation180, camera.Rotation270:
	default:
		return 0, fmt.Errorf("%w: rotation %d", ErrUnsupported, rot)
	}
	return rotateNV12(input.Data, input.Width, input.Height, rot, output)
}

func (e *Encoder) qualityOf(meta *metadata.Metadata) int {
	if meta == nil {
		return e.quality
	}
	q, ok := meta.Int64(metadata.TagJpegQuality)
	if !ok || q < 1 || q > 100 {
		return e.quality
	}
	return int(q)
}

func thumbnailRequest(meta *metadata.Metadata) (int, int) {
	if meta == nil {
		return 0, 0
	}
	v, ok := meta.Get(metadata.TagJpegThumbnailSize)
	if !ok || len(v) < 2 {
		return 0, 0
	}
	return int(v[0]), int(v[1])
}

func putTrailer(output []byte, size int) {
	t := output[len(output)-BlobTrailerSize:]
	clear(t)
	binary.LittleEndian.PutUint16(t[0:], BlobTrailerID)
	binary.LittleEndian.PutUint32(t[4:], uint32(size))
}

// BlobSize reads the JPEG size from the trailer of a BLOB buffer.
func BlobSize(buf []byte) (int, bool) {
	if len(buf) < BlobTrailerSize {
		return 0, false
	}
	t := buf[len(buf)-BlobTrailerSize:]
	if binary.LittleEndian.Uint16(t) != BlobTrailerID {
		return 0, false
	}
	n := int(binary.LittleEndian.Uint32(t[4:]))
	if n > len(buf)-BlobTrailerSize {
		return 0, false
	}
	return n, true
}
