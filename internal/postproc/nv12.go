package postproc

import (
	"fmt"
	"image"

	"github.com/e7canasta/camhal/internal/camera"
)

// ycbcr views an NV12 device buffer as a 4:2:0 image. The luma plane is
// shared with the buffer; chroma is de-interleaved into fresh planes.
func ycbcr(b *camera.DeviceBuffer) (*image.YCbCr, error) {
	if b == nil || b.Width <= 0 || b.Height <= 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidInput)
	}
	w, h := b.Width, b.Height
	cw, ch := (w+1)/2, (h+1)/2
	if len(b.Data) < w*h+cw*ch*2 {
		return nil, fmt.Errorf("%w: %dx%d frame needs %d bytes, buffer has %d",
			ErrInvalidInput, w, h, w*h+cw*ch*2, len(b.Data))
	}

	img := &image.YCbCr{
		Y:              b.Data[:w*h],
		Cb:             make([]byte, cw*ch),
		Cr:             make([]byte, cw*ch),
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
	uv := b.Data[w*h:]
	for i := range img.Cb {
		img.Cb[i] = uv[2*i]
		img.Cr[i] = uv[2*i+1]
	}
	return img, nil
}

// rotateNV12 rotates an NV12 frame clockwise into out and returns the
// number of bytes written. Chroma pairs rotate as units on the half-size
// grid. w and h are the source dimensions and must be even.
func rotateNV12(src []byte, w, h int, rot camera.Rotation, out []byte) (int, error) {
	size := camera.FrameSize(w, h)
	if w%2 != 0 || h%2 != 0 {
		return 0, fmt.Errorf("%w: odd frame %dx%d", ErrInvalidInput, w, h)
	}
	if len(src) < size {
		return 0, fmt.Errorf("%w: source of %d bytes, need %d", ErrInvalidInput, len(src), size)
	}
	if len(out) < size {
		return 0, fmt.Errorf("%w: rotation needs %d bytes, output has %d", ErrOutputTooSmall, size, len(out))
	}

	rotatePlane(src[:w*h], w, h, 1, rot, out[:w*h])
	rotatePlane(src[w*h:size], w/2, h/2, 2, rot, out[w*h:size])
	return size, nil
}

// rotatePlane rotates a w×h plane of px-byte pixels.
func rotatePlane(src []byte, w, h, px int, rot camera.Rotation, dst []byte) {
	switch rot {
	case camera.Rotation0:
		copy(dst, src)
	case camera.Rotation90:
		// dst is h wide.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := (x*h + (h - 1 - y)) * px
				copy(dst[d:d+px], src[(y*w+x)*px:])
			}
		}
	case camera.Rotation180:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := ((h-1-y)*w + (w - 1 - x)) * px
				copy(dst[d:d+px], src[(y*w+x)*px:])
			}
		}
	case camera.Rotation270:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := ((w-1-x)*h + y) * px
				copy(dst[d:d+px], src[(y*w+x)*px:])
			}
		}
	}
}
