package resolver

import "unsafe"

// faultingSlice points at the zero page, which is never mapped.
func faultingSlice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(0x10))), 64)
}
