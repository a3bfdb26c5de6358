// Package pagealloc is the OS page allocator shim: it requests and
// releases whole pages of anonymous memory with selectable permissions.
// It is the leaf of the memory manager's dependency chain.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package pagealloc

import (
	"fmt"

	"github.com/nebelwelt/fbt"
	"golang.org/x/sys/unix"
)

// Kind identifies the purpose of an allocation. It determines the page
// permissions applied at allocation time.
type Kind int

const (
	// KindInternal backs the internal bootstrap/scratch heap.
	KindInternal Kind = iota
	// KindMappingTable backs the guest-to-cache address mapping table.
	KindMappingTable
	// KindPCMappingTable backs the architecture-specific PC mapping table.
	KindPCMappingTable
	// KindCodeCache backs translated instruction bytes.
	KindCodeCache
	// KindTrampoline backs the trampoline pool.
	KindTrampoline
	// KindSyscallTable backs the syscall authorization table.
	KindSyscallTable
	// KindICFPredictor backs the ICF-prediction pool.
	KindICFPredictor
	// KindSharedData backs the process-wide shared data singleton. Pages of
	// this kind are never tracked for freeing.
	KindSharedData
)

// Executable reports whether pages of this kind must be mapped with PROT_EXEC.
func (k Kind) Executable() bool {
	return k == KindCodeCache || k == KindTrampoline
}

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindMappingTable:
		return "mapping-table"
	case KindPCMappingTable:
		return "pc-mapping-table"
	case KindCodeCache:
		return "code-cache"
	case KindTrampoline:
		return "trampoline"
	case KindSyscallTable:
		return "syscall-table"
	case KindICFPredictor:
		return "icf-predictor"
	case KindSharedData:
		return "shared-data"
	default:
		return "unknown"
	}
}

// Error wraps a failed page allocation or release. Per the DBT's error
// model, any failure here is fatal to the caller: the guest's translated
// code would otherwise be left unreachable.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("pagealloc: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Alloc maps pages*fbt.PageSize bytes of anonymous memory with the
// permissions implied by kind.
func Alloc(pages int, kind Kind) ([]byte, error) {
	if pages <= 0 {
		return nil, &Error{Op: "alloc", Err: fmt.Errorf("non-positive page count %d", pages)}
	}

	size := pages * fbt.PageSize

	prot := unix.PROT_READ | unix.PROT_WRITE
	if kind.Executable() {
		prot |= unix.PROT_EXEC
	}

	buf, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return buf, nil
}

// Free releases a region previously returned by Alloc.
func Free(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Munmap(buf); err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// Reprotect locks buf down to its finalized permissions: read+execute for
// executable kinds, read+write otherwise. It is used once a region stops
// receiving new writes — a sealed code-cache chunk, say — to drop the
// write permission a region needs while the translator is still emitting
// into it, per spec.md §9's "pages that hold only data must never be
// mapped executable" (the symmetric case: a page holding only code must
// not stay writable once it is finalized).
func Reprotect(buf []byte, kind Kind) error {
	prot := unix.PROT_READ
	if kind.Executable() {
		prot |= unix.PROT_EXEC
	} else {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(buf, prot); err != nil {
		return &Error{Op: "mprotect", Err: err}
	}
	return nil
}
