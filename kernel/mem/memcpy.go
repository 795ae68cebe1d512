package mem

import (
	"reflect"
	"unsafe"
)

// Memcpy copies size bytes from src to dst. The two regions must not
// overlap; overlapping copies (e.g. shrinking a buffer in place) should use
// a region-aware primitive instead.
func Memcpy(dst, src uintptr, size Size) {
	if size == 0 {
		return
	}

	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))
	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))

	copy(dstSlice, srcSlice)
}
