package postproc

import (
	"bytes"
	"encoding/binary"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camhal/internal/camera"
	"github.com/e7canasta/camhal/internal/device/sim"
	"github.com/e7canasta/camhal/internal/metadata"
)

func frame(w, h int, seq uint64) *camera.DeviceBuffer {
	data := make([]byte, camera.FrameSize(w, h))
	sim.FillPattern(data, w, h, seq)
	return &camera.DeviceBuffer{Data: data, Size: len(data), Width: w, Height: h}
}

func settings(quality int64, thumbW, thumbH int64, orientation int64) *metadata.Metadata {
	m := metadata.New()
	m.Set(metadata.TagJpegQuality, quality)
	m.Set(metadata.TagJpegThumbnailSize, thumbW, thumbH)
	m.Set(metadata.TagJpegOrientation, orientation)
	return m
}

// exifSegment returns the APP1 payload following the SOI.
func exifSegment(t *testing.T, b []byte) []byte {
	t.Helper()
	require.Equal(t, []byte{0xFF, 0xD8, 0xFF, markerAPP1}, b[:4], "SOI then APP1 expected")
	n := int(binary.BigEndian.Uint16(b[4:6]))
	seg := b[6 : 4+n]
	require.Equal(t, exifIdentifier, string(seg[:6]))
	return seg[6:]
}

func TestEncodeWithThumbnail(t *testing.T) {
	e := New(Options{})
	out := make([]byte, 256*1024)

	n, err := e.Encode(frame(640, 480, 1), frame(384, 288, 1), settings(90, 160, 120, 90), out)
	require.NoError(t, err)

	size, ok := BlobSize(out)
	require.True(t, ok, "blob trailer missing")
	assert.Equal(t, n, size)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out[:n]))
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)

	tiff := exifSegment(t, out[:n])
	// IFD0: one entry, orientation 90° → 6.
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(tiff[8:]))
	assert.Equal(t, uint16(tiffOrientation), binary.BigEndian.Uint16(tiff[10:]))
	assert.Equal(t, uint16(6), binary.BigEndian.Uint16(tiff[18:]))

	next := binary.BigEndian.Uint32(tiff[22:])
	require.NotZero(t, next, "IFD1 missing")
	ifd1 := tiff[next:]
	off := binary.BigEndian.Uint32(ifd1[2+ifdEntrySize+8:])
	length := binary.BigEndian.Uint32(ifd1[2+2*ifdEntrySize+8:])

	thumb, err := jpeg.DecodeConfig(bytes.NewReader(tiff[off : off+length]))
	require.NoError(t, err)
	assert.Equal(t, 160, thumb.Width)
	assert.Equal(t, 120, thumb.Height)
}

func TestEncodeWithoutThumbnail(t *testing.T) {
	e := New(Options{})
	out := make([]byte, 128*1024)

	n, err := e.Encode(frame(320, 240, 2), frame(384, 288, 2), settings(80, 0, 0, 0), out)
	require.NoError(t, err)

	tiff := exifSegment(t, out[:n])
	assert.Zero(t, binary.BigEndian.Uint32(tiff[22:]), "thumbnail embedded although 0x0 requested")
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(tiff[18:]))

	_, err = jpeg.Decode(bytes.NewReader(out[:n]))
	require.NoError(t, err)
}

func TestEncodeQualityAffectsSize(t *testing.T) {
	e := New(Options{})
	hi := make([]byte, 512*1024)
	lo := make([]byte, 512*1024)

	nHi, err := e.Encode(frame(320, 240, 3), nil, settings(98, 0, 0, 0), hi)
	require.NoError(t, err)
	nLo, err := e.Encode(frame(320, 240, 3), nil, settings(10, 0, 0, 0), lo)
	require.NoError(t, err)
	assert.Less(t, nLo, nHi)

	// Out-of-range quality falls back to the default.
	nDef, err := e.Encode(frame(320, 240, 3), nil, settings(500, 0, 0, 0), lo)
	require.NoError(t, err)
	nNil, err := e.Encode(frame(320, 240, 3), nil, nil, hi)
	require.NoError(t, err)
	assert.Equal(t, nNil, nDef)
}

func TestEncodeErrors(t *testing.T) {
	e := New(Options{})

	_, err := e.Encode(frame(320, 240, 0), nil, nil, make([]byte, 64))
	assert.ErrorIs(t, err, ErrOutputTooSmall)

	short := frame(32, 32, 0)
	short.Data = short.Data[:100]
	_, err = e.Encode(short, nil, nil, make([]byte, 4096))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.Encode(nil, nil, nil, make([]byte, 4096))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBlobSize(t *testing.T) {
	buf := make([]byte, 32)
	_, ok := BlobSize(buf)
	assert.False(t, ok, "zero trailer accepted")

	putTrailer(buf, 20)
	n, ok := BlobSize(buf)
	assert.True(t, ok)
	assert.Equal(t, 20, n)

	putTrailer(buf, 30)
	_, ok = BlobSize(buf)
	assert.False(t, ok, "size overlapping the trailer accepted")
}

// TestRotate validates clockwise rotation of both NV12 planes on a 4x2
// frame.
func TestRotate(t *testing.T) {
	src := &camera.DeviceBuffer{
		Width:  4,
		Height: 2,
		Data: []byte{
			0, 1, 2, 3,
			4, 5, 6, 7,
			// UV pairs: (10,11) (12,13)
			10, 11, 12, 13,
		},
	}
	tests := []struct {
		rot  camera.Rotation
		want []byte
	}{
		{camera.Rotation0, []byte{0, 1, 2, 3, 4, 5, 6, 7, 10, 11, 12, 13}},
		{camera.Rotation90, []byte{4, 0, 5, 1, 6, 2, 7, 3, 10, 11, 12, 13}},
		{camera.Rotation180, []byte{7, 6, 5, 4, 3, 2, 1, 0, 12, 13, 10, 11}},
		{camera.Rotation270, []byte{3, 7, 2, 6, 1, 5, 0, 4, 12, 13, 10, 11}},
	}

	e := New(Options{})
	for _, tt := range tests {
		out := make([]byte, len(src.Data))
		n, err := e.Rotate(src, tt.rot, out)
		require.NoError(t, err, "rotation %d", tt.rot)
		assert.Equal(t, len(src.Data), n)
		assert.Equal(t, tt.want, out, "rotation %d", tt.rot)
	}

	_, err := e.Rotate(src, 45, make([]byte, 12))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.Rotate(src, camera.Rotation90, make([]byte, 4))
	assert.ErrorIs(t, err, ErrOutputTooSmall)
}
