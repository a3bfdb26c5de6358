// Package mapping implements the code-cache index: a fixed-size,
// open-addressed, linear-probing hash table from guest addresses to
// code-cache addresses.
//
// The entry layout is part of the translator's external ABI (§6 of the
// design): entry size is a power of two, the key sits at offset 0 and the
// value at KeyFieldSize, the empty marker is 0, and a sentinel slot past
// the last entry holds a nonzero guard word. A hand-written fast-path
// assembly probe elsewhere in a from-scratch DBT would rely on this layout
// to terminate without bounds checks; this Go port has no such assembly
// fast path, but the table is still backed by a raw,
// memmgr-owned byte buffer laid out exactly this way, in the idiom the
// teacher's dma.Region uses to alias a []byte region as typed storage
// (dma/dma.go: reflect.SliceHeader + unsafe.Pointer).
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package mapping

import (
	"log/slog"
	"unsafe"

	"github.com/nebelwelt/fbt"
)

const (
	// KeyFieldSize is the width in bytes of the src (guest address) field.
	KeyFieldSize = 8
	// EntrySize is the size in bytes of one entry; a power of two so that
	// probing can use a bitmask over byte offsets.
	EntrySize = 16
	// KeyOffset is the byte offset of the guest address within an entry.
	KeyOffset = 0
	// ValueOffset is the byte offset of the cache address within an entry.
	ValueOffset = KeyFieldSize

	// EntryCount is the table's capacity in entries, a power of two.
	EntryCount = 1 << 14 // 16384 entries
	// MappingTableSize is MAPPINGTABLE_SIZE: the table's capacity in
	// bytes, a power-of-two multiple of EntrySize so that offset &
	// (MappingTableSize-1) is valid modulo arithmetic.
	MappingTableSize = EntryCount * EntrySize
	// MaxProbeFraction bounds how far Add may probe before the table is
	// considered fatally full: the true bound is EntryCount/MaxProbeFraction.
	MaxProbeFraction = 10

	// GuardWord is the nonzero value written to the sentinel slot past the
	// last entry, letting a fast assembly probe terminate without bounds
	// checks.
	GuardWord = 1

	// BufSize is the total backing-buffer size required: the table plus
	// one guard word.
	BufSize = MappingTableSize + 8
)

type rawEntry struct {
	src fbt.GAddr
	dst fbt.CAddr
}

// Table is the fixed-size open-addressed mapping table owned by one TLD.
// It is not safe for concurrent use: within a TLD every read happens-before
// every later write, and Find/Add never run concurrently on the same TLD
// (see SPEC_FULL.md §5).
type Table struct {
	Log *slog.Logger

	// buf is the memmgr-owned backing storage: EntryCount entries
	// followed by one guard word. It is supplied by the caller (normally
	// ccache/tld, via memmgr.Lalloc(..., pagealloc.KindMappingTable)) so
	// this package never allocates memory itself.
	buf []byte

	// Suppressed, when true, makes Add a no-op: set by the translator
	// while inlining a call, since the emitted bytes belong to the
	// inlined callee and must not be externally addressable.
	Suppressed bool
}

// New wraps buf (which must be at least BufSize bytes, normally obtained
// from memmgr.Lalloc) as an empty mapping table and writes its guard word.
func New(log *slog.Logger, buf []byte) *Table {
	if log == nil {
		log = slog.Default()
	}
	if len(buf) < BufSize {
		fbt.Fatal(log, "mapping table buffer too small: got %d, need %d", len(buf), BufSize)
	}

	t := &Table{Log: log, buf: buf[:BufSize]}
	t.writeGuard()
	return t
}

func (t *Table) writeGuard() {
	guard := (*uint64)(unsafe.Pointer(&t.buf[MappingTableSize]))
	*guard = GuardWord
}

func (t *Table) entryAt(offset uint32) *rawEntry {
	return (*rawEntry)(unsafe.Pointer(&t.buf[offset]))
}

func hash(g fbt.GAddr) uint32 {
	// A cheap multiplicative mix over the guest address. The spec singles
	// out the move-to-front probe logic, not this function, as the part
	// worth preserving verbatim; any sufficiently scrambling, inlinable
	// mix satisfies the contract.
	x := uint64(g)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return (uint32(x) * EntrySize) & (MappingTableSize - 1)
}

// Find probes from hash(g) until it finds a matching src (a hit, returning
// dst and true) or an empty slot (a miss, returning false). On a hit at a
// non-first probe position, the entry is swapped with the first-probe slot
// (move-to-front within the probe chain): this keeps hot entries at their
// home bucket, and is safe because the swap never changes the set of
// occupied slots on the chain, preserving the no-holes invariant.
func (t *Table) Find(g fbt.GAddr) (fbt.CAddr, bool) {
	offset := hash(g)
	first := offset

	for {
		e := t.entryAt(offset)
		if e.src == 0 {
			return 0, false
		}
		if e.src == g {
			if offset != first {
				home := t.entryAt(first)
				home.src, e.src = e.src, home.src
				home.dst, e.dst = e.dst, home.dst
				return home.dst, true
			}
			return e.dst, true
		}
		offset = (offset + EntrySize) & (MappingTableSize - 1)
	}
}

// Add linear-probes from hash(g) for the first empty slot and writes
// (g, c) there. It is a fatal error for the probe displacement to reach
// EntryCount/MaxProbeFraction: the table is effectively full and the
// caller's remedy (flushing the cache) lives elsewhere. Add is a no-op
// while the table is Suppressed.
func (t *Table) Add(g fbt.GAddr, c fbt.CAddr) {
	if t.Suppressed {
		t.Log.Debug("mapping add suppressed during inlining", "gaddr", g)
		return
	}

	offset := hash(g)
	displacement := 0

	for t.entryAt(offset).src != 0 {
		offset = (offset + EntrySize) & (MappingTableSize - 1)
		displacement++
		if displacement >= EntryCount/MaxProbeFraction {
			fbt.Fatal(t.Log, "mapping table out of space after %d probes", displacement)
		}
	}

	e := t.entryAt(offset)
	e.src = g
	e.dst = c
}

// FindReverse linearly scans every slot and returns the src whose dst
// matches c. It is used only on the flush path to recover the guest
// target of certain trampolines, never on a hot path.
func (t *Table) FindReverse(c fbt.CAddr) (fbt.GAddr, bool) {
	for offset := uint32(0); offset < MappingTableSize; offset += EntrySize {
		e := t.entryAt(offset)
		if e.src != 0 && e.dst == c {
			return e.src, true
		}
	}
	return 0, false
}

// Reset empties the table in place, used by ccache.Flush.
func (t *Table) Reset() {
	for i := range t.buf[:MappingTableSize] {
		t.buf[i] = 0
	}
	t.writeGuard()
}

// Len reports the number of occupied slots, used by the stats package to
// expose mapping-table occupancy.
func (t *Table) Len() int {
	n := 0
	for offset := uint32(0); offset < MappingTableSize; offset += EntrySize {
		if t.entryAt(offset).src != 0 {
			n++
		}
	}
	return n
}
