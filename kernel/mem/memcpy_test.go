package mem

import (
	"testing"
	"unsafe"
)

func TestMemcpy(t *testing.T) {
	// memcpy with a 0 size should be a no-op
	Memcpy(uintptr(0), uintptr(0), 0)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		size := PageSize << pageCount
		src := make([]byte, size)
		dst := make([]byte, size)
		for i := range src {
			src[i] = byte(i)
		}

		Memcpy(
			uintptr(unsafe.Pointer(&dst[0])),
			uintptr(unsafe.Pointer(&src[0])),
			Size(size),
		)

		for i := range src {
			if dst[i] != src[i] {
				t.Fatalf("[block with %d pages] byte %d: expected 0x%x; got 0x%x", 1<<pageCount, i, src[i], dst[i])
			}
		}
	}
}
