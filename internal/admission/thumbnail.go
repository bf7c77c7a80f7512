package admission

import "github.com/e7canasta/camhal/internal/camera"

// shadowStreamBase offsets the ids of thumbnail shadow streams so they never
// collide with framework stream ids.
const shadowStreamBase camera.StreamID = 1 << 16

// shadowStreamID returns the id of the thumbnail stream of a BLOB stream.
func shadowStreamID(id camera.StreamID) camera.StreamID {
	return shadowStreamBase + id
}

// thumbnailSize derives the shadow stream geometry from the main stream:
// width starts at w/16 aligned up to 32, grows by 32 while 4096/width > 12,
// then up to a multiple of 128; height keeps the aspect ratio (even).
func thumbnailSize(width, height int) (int, int) {
	tw := align(width/16, 32)
	if tw == 0 {
		tw = 32
	}
	for 4096/tw > 12 {
		tw += 32
	}
	for tw%128 != 0 {
		tw += 32
	}
	th := tw * height / width
	th &^= 1
	if th == 0 {
		th = 2
	}
	return tw, th
}

func align(v, to int) int {
	return (v + to - 1) / to * to
}

// shadowDescriptor returns the device view of the thumbnail stream of main.
func shadowDescriptor(main camera.StreamDescriptor) camera.StreamDescriptor {
	w, h := thumbnailSize(main.Width, main.Height)
	return camera.StreamDescriptor{
		ID:     shadowStreamID(main.ID),
		Width:  w,
		Height: h,
		Format: camera.FormatYUV420,
		Usage:  camera.UsagePreview,
	}.DeviceView()
}
