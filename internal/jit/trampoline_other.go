//go:build !amd64

package jit

import "unsafe"

// callNativeBlock has no body on hosts this package has no codegen
// backend for. nativeSupported gates every call site, so this is
// unreachable in practice; it exists only so the package still links
// on a non-amd64 GOOS/GOARCH.
func callNativeBlock(entry uintptr, regs unsafe.Pointer) {
	panic("jit: callNativeBlock invoked on a host with no native codegen backend")
}
