package interpose

import (
	"fmt"
	"reflect"
	"unsafe"
)

type eface struct {
	_    uintptr
	data unsafe.Pointer
}

// FuncValue returns the func value pointer of fn, the word a Go func
// variable holds. Use it as a detour for Slot targets that are func
// variables. fn must be a top level function: the hook table holds plain
// addresses that do not keep a closure alive.
func FuncValue(fn interface{}) uintptr {
	if reflect.ValueOf(fn).Kind() != reflect.Func {
		return 0
	}
	return uintptr((*eface)(unsafe.Pointer(&fn)).data)
}

// FuncCode returns the entry address of fn's code.
func FuncCode(fn interface{}) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0
	}
	return v.Pointer()
}

// SlotFunc converts the func value pointer held in origin into a callable
// T. The slot is read on every conversion, so call it inside the detour.
func SlotFunc[T any](origin *uintptr) T {
	return *(*T)(unsafe.Pointer(origin))
}

// CodeFunc makes origin, which holds a code address, callable as T. The
// address is loaded when the returned func is called.
func CodeFunc[T any](origin *uintptr) T {
	return *(*T)(unsafe.Pointer(&origin))
}

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
