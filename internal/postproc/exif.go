package postproc

import (
	"encoding/binary"
	"fmt"
)

// TIFF tags written into the APP1 segment.
const (
	tiffOrientation     = 0x0112
	tiffCompression     = 0x0103
	tiffJPEGOffset      = 0x0201
	tiffJPEGLength      = 0x0202
	tiffTypeShort       = 3
	tiffTypeLong        = 4
	tiffCompressionJPEG = 6
	tiffHeaderSize      = 8
	ifdEntrySize        = 12
	maxSegmentPayload   = 0xFFFF - 2
	exifIdentifier      = "Exif\x00\x00"
	markerAPP1          = 0xE1
)

type ifdEntry struct {
	tag, typ uint16
	value    uint32
}

// exifOrientation maps clockwise degrees to the EXIF orientation value.
func exifOrientation(degrees int64) uint16 {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return 6
	case 180:
		return 3
	case 270:
		return 8
	default:
		return 1
	}
}

// app1 builds a big-endian EXIF APP1 segment, marker included: IFD0 carries
// the orientation, IFD1 the embedded JPEG thumbnail when thumb is non-empty.
func app1(orientation uint16, thumb []byte) ([]byte, error) {
	ifd0 := []ifdEntry{{tiffOrientation, tiffTypeShort, uint32(orientation) << 16}}

	ifd0Size := 2 + len(ifd0)*ifdEntrySize + 4
	tiff := binary.BigEndian.AppendUint16(nil, 0x4D4D) // "MM"
	tiff = binary.BigEndian.AppendUint16(tiff, 42)
	tiff = binary.BigEndian.AppendUint32(tiff, tiffHeaderSize)

	next := uint32(0)
	if len(thumb) > 0 {
		next = uint32(tiffHeaderSize + ifd0Size)
	}
	tiff = appendIFD(tiff, ifd0, next)

	if len(thumb) > 0 {
		ifd1Size := 2 + 3*ifdEntrySize + 4
		thumbOffset := uint32(int(next) + ifd1Size)
		tiff = appendIFD(tiff, []ifdEntry{
			{tiffCompression, tiffTypeShort, tiffCompressionJPEG << 16},
			{tiffJPEGOffset, tiffTypeLong, thumbOffset},
			{tiffJPEGLength, tiffTypeLong, uint32(len(thumb))},
		}, 0)
		tiff = append(tiff, thumb...)
	}

	payload := len(exifIdentifier) + len(tiff)
	if payload > maxSegmentPayload {
		return nil, fmt.Errorf("%w: exif segment of %d bytes", ErrThumbnailTooLarge, payload)
	}

	seg := make([]byte, 0, 4+payload)
	seg = append(seg, 0xFF, markerAPP1)
	seg = binary.BigEndian.AppendUint16(seg, uint16(payload+2))
	seg = append(seg, exifIdentifier...)
	seg = append(seg, tiff...)
	return seg, nil
}

func appendIFD(b []byte, entries []ifdEntry, next uint32) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = binary.BigEndian.AppendUint16(b, e.tag)
		b = binary.BigEndian.AppendUint16(b, e.typ)
		b = binary.BigEndian.AppendUint32(b, 1)
		b = binary.BigEndian.AppendUint32(b, e.value)
	}
	return binary.BigEndian.AppendUint32(b, next)
}
