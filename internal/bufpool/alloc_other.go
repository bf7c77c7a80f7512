//go:build !unix

package bufpool

import (
	"os"
	"unsafe"
)

func pageSize() int {
	return os.Getpagesize()
}

// allocArena over-allocates on the heap and slices from the first page
// boundary. The Go heap does not move large objects.
func allocArena(size int) ([]byte, func() error, error) {
	page := pageSize()
	raw := make([]byte, size+page)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+size : off+size], func() error { return nil }, nil
}
