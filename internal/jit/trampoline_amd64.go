//go:build amd64

package jit

import "unsafe"

// callNativeBlock jumps to entry — the base address of a sealed
// execmem.Region holding a compileNative prefix — passing regs in RDI
// per the ABI native.go's encoder assumes, and returns once the
// generated code's trailing RET executes. Implemented in
// trampoline_amd64.s: Go has no way to call an arbitrary machine
// address without a hand-written assembly stub at the ABI boundary.
func callNativeBlock(entry uintptr, regs unsafe.Pointer)
