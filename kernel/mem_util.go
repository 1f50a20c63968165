package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes starting at the virtual address addr to value.
// The address region is accessed through a slice header overlay: no
// allocator exists below this layer that could produce a []byte of
// runtime-determined length any other way.
//
// Almost every call clears a page table or a freshly installed frame, so
// zeroing a word-aligned, word-multiple region takes a dedicated uint64
// path; everything else falls back to a byte loop.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	const wordMask = unsafe.Sizeof(uintptr(0)) - 1

	if value == 0 && addr&wordMask == 0 && size&wordMask == 0 {
		var words []uint64
		hdr := (*reflect.SliceHeader)(unsafe.Pointer(&words))
		hdr.Data = addr
		hdr.Len = int(size >> 3)
		hdr.Cap = hdr.Len

		for i := range words {
			words[i] = 0
		}
		return
	}

	var buf []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	hdr.Data = addr
	hdr.Len = int(size)
	hdr.Cap = hdr.Len

	for i := range buf {
		buf[i] = value
	}
}
