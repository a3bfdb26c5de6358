// Package memmgr implements the internal memory manager: a page allocator
// on top of pagealloc, a chunk list tracking every live allocation, and a
// bump ("scratch") allocator for small fixed records. It backs the code
// cache, the mapping table, trampolines, and the thread-local bootstrapping
// state.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package memmgr

import (
	"fmt"
	"log/slog"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/pagealloc"
)

const (
	// SmallocMax is the largest request smalloc will service.
	SmallocMax = 512
	// SmallocPages is the number of pages fetched each time the scratch
	// region is refilled.
	SmallocPages = 4
)

// Chunk is the metadata record for one page-allocator allocation. Chunks
// form a singly linked list rooted at the owning TLDMemory; the list is
// the sole authority on what must be freed at flush or teardown.
type Chunk struct {
	Buf  []byte
	Kind pagealloc.Kind
	Next *Chunk
}

// TLDMemory is the memory-management half of a per-thread context: the
// chunk list plus the scratch bump allocator built on top of it.
type TLDMemory struct {
	Log *slog.Logger

	chunks  *Chunk
	scratch []byte
}

// New creates an empty memory manager. Call Bootstrap before using it.
func New(log *slog.Logger) *TLDMemory {
	if log == nil {
		log = slog.Default()
	}
	return &TLDMemory{Log: log}
}

// Chunks returns the head of the chunk list, newest allocation first.
func (m *TLDMemory) Chunks() *Chunk { return m.chunks }

// Bootstrap allocates the first scratch block and makes smalloc/lalloc
// usable. It must be called exactly once before any other TLDMemory method;
// after a flush, Reinit restores the same state in place without calling it.
func (m *TLDMemory) Bootstrap() error {
	buf, err := pagealloc.Alloc(SmallocPages, pagealloc.KindInternal)
	if err != nil {
		return fmt.Errorf("memmgr: bootstrap: %w", err)
	}

	// The bootstrap chunk is always the list's sole member at this point,
	// and it is never freed by Free: it is the tail every later chunk is
	// prepended in front of.
	m.chunks = &Chunk{Buf: buf, Kind: pagealloc.KindInternal}
	m.scratch = buf

	return nil
}

// Lalloc allocates pages*fbt.PageSize bytes of permission-typed memory and
// tracks it with a fresh chunk, except for pagealloc.KindSharedData, which
// is intentionally left untracked because it is never freed.
func (m *TLDMemory) Lalloc(pages int, kind pagealloc.Kind) ([]byte, error) {
	if pages <= 0 {
		m.fatal("lalloc requested %d pages", pages)
	}

	buf, err := pagealloc.Alloc(pages, kind)
	if err != nil {
		m.fatal("lalloc: %v", err)
	}

	if kind != pagealloc.KindSharedData {
		m.chunks = &Chunk{Buf: buf, Kind: kind, Next: m.chunks}
	}

	return buf, nil
}

// Smalloc bump-allocates size bytes out of the current scratch region,
// refilling it with a fresh page allocation when exhausted. It fails
// fatally (per the DBT's error model: host resource exhaustion and
// scratch-allocator misuse are both unrecoverable) for size > SmallocMax or
// size <= 0.
func (m *TLDMemory) Smalloc(size int) []byte {
	if size > SmallocMax || size <= 0 {
		m.fatal("smalloc requested out-of-range size %d (max %d)", size, SmallocMax)
	}

	if size > len(m.scratch) {
		buf, err := pagealloc.Alloc(SmallocPages, pagealloc.KindInternal)
		if err != nil {
			m.fatal("smalloc refill: %v", err)
		}
		m.chunks = &Chunk{Buf: buf, Kind: pagealloc.KindInternal, Next: m.chunks}
		m.scratch = buf
	}

	mem := m.scratch[:size]
	m.scratch = m.scratch[size:]

	return mem
}

// Free walks the chunk list from head to the penultimate node, releasing
// each, and leaves the tail (the original bootstrap block) intact. The
// original C must read a chunk's next pointer before munmapping it because
// the chunk metadata lives inside the region being unmapped; this Go port
// keeps Chunk as an ordinary Go-heap value (see DESIGN.md OQ-1), so that
// ordering hazard does not apply here, but the observable behavior —
// exactly one chunk survives — is preserved.
func (m *TLDMemory) Free() error {
	if m.chunks == nil {
		return nil
	}

	freed := 0
	chunk := m.chunks
	for chunk.Next != nil {
		next := chunk.Next
		if err := pagealloc.Free(chunk.Buf); err != nil {
			return fmt.Errorf("memmgr: free: %w", err)
		}
		freed += len(chunk.Buf)
		chunk = next
	}
	m.chunks = chunk
	m.Log.Debug("memmgr free", "bytes_freed", freed)

	return nil
}

// Reinit frees every chunk but the bootstrap block and re-bootstraps in
// place, reusing the preserved block so the owning TLD's address does not
// need to change.
func (m *TLDMemory) Reinit() error {
	if err := m.Free(); err != nil {
		return err
	}

	// m.chunks is now the sole surviving (bootstrap) chunk; reset it for
	// reuse exactly as Bootstrap would have initialized a fresh one.
	tail := m.chunks
	tail.Kind = pagealloc.KindInternal
	m.scratch = tail.Buf

	return nil
}

func (m *TLDMemory) fatal(format string, args ...any) {
	fbt.Fatal(m.Log, format, args...)
}
