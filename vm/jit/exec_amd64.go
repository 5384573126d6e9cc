//go:build amd64

package jit

import (
	"fmt"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// nativeCode owns one W^X-transitioned executable mapping holding a single
// compiled program's machine code.
type nativeCode struct {
	mem mmap.MMap
}

// loadNative maps code into an anonymous, page-backed region, writes it
// while the region is still writable, then flips it read+execute (spec.md
// §4.3's "W^X" requirement) so the same page is never simultaneously
// writable and executable.
func loadNative(code []byte) (*nativeCode, error) {
	region, err := mmap.MapRegion(nil, len(code), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap: %w", err)
	}
	copy(region, code)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		region.Unmap()
		return nil, fmt.Errorf("jit: mprotect: %w", err)
	}
	return &nativeCode{mem: region}, nil
}

func (n *nativeCode) release() error {
	return n.mem.Unmap()
}

func (n *nativeCode) invoke(stack, memory, control *[]int32) {
	jitcall(unsafe.Pointer(&n.mem[0]), unsafe.Pointer(stack), unsafe.Pointer(memory), unsafe.Pointer(control))
}

// jitcall is implemented in trampoline_amd64.s. It calls into the
// executable code at codePtr under the register convention documented in
// backend_amd64.go, passing the three slice headers by pointer.
//
//go:noescape
func jitcall(codePtr, stackPtr, memoryPtr, controlPtr unsafe.Pointer)
