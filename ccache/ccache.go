// Package ccache implements the code cache: one or more R/W/X regions the
// translator appends instruction bytes into monotonically, the mapping
// table that indexes it, and the whole-cache flush that is the translator's
// only reclamation primitive.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package ccache

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/mapping"
	"github.com/nebelwelt/fbt/memmgr"
	"github.com/nebelwelt/fbt/pagealloc"
)

func uintptrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

const (
	// AllocPages is how many pages one code-cache chunk grows by.
	AllocPages = 16
	// TranslGuard is slack reserved at the end of a cache region so a
	// trailing emission (e.g. a closing branch epilogue) cannot overflow
	// the region's last page.
	TranslGuard = 64
)

// Cache is a monotone, append-only executable region plus the mapping
// table that indexes it.
type Cache struct {
	Log     *slog.Logger
	Mapping *mapping.Table

	mem  *memmgr.TLDMemory
	buf  []byte
	pos  int
	guardEnd int // last valid write offset before TranslGuard slack
}

// New allocates the initial code-cache chunk and wraps it with an empty
// mapping table, both owned by mem.
func New(log *slog.Logger, mem *memmgr.TLDMemory) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{Log: log, mem: mem}
	if err := c.growCache(); err != nil {
		return nil, err
	}

	mtPages := mapping.MappingTableSize/fbt.PageSize + 1
	mtBuf, err := mem.Lalloc(mtPages, pagealloc.KindMappingTable)
	if err != nil {
		return nil, fmt.Errorf("ccache: mapping table alloc: %w", err)
	}
	c.Mapping = mapping.New(log, mtBuf)

	return c, nil
}

func (c *Cache) growCache() error {
	if c.buf != nil {
		// The outgoing chunk is full and will never be written again;
		// seal it read+execute only before replacing it with a fresh one.
		if err := pagealloc.Reprotect(c.buf, pagealloc.KindCodeCache); err != nil {
			return fmt.Errorf("ccache: seal chunk: %w", err)
		}
	}

	buf, err := c.mem.Lalloc(AllocPages, pagealloc.KindCodeCache)
	if err != nil {
		return fmt.Errorf("ccache: grow: %w", err)
	}
	c.buf = buf
	c.pos = 0
	c.guardEnd = len(buf) - TranslGuard
	if c.guardEnd < 0 {
		fbt.Fatal(c.Log, "ccache: code cache allocation too small for guard slack")
	}
	return nil
}

// Mark returns the cache address the next emitted byte will land at.
func (c *Cache) Mark() fbt.CAddr {
	return c.addrAt(c.pos)
}

func (c *Cache) addrAt(pos int) fbt.CAddr {
	return fbt.CAddr(uintptrOf(c.buf) + uintptr(pos))
}

// Emit appends b at the current high-water mark and advances it. It is
// fatal to write past the guarded end of the current cache region: the
// translator is expected to close a TU before that point, and growCache
// (invoked from the tld/translator glue, not mid-TU) is how more space is
// obtained between TUs.
func (c *Cache) Emit(b []byte) {
	if c.pos+len(b) > c.guardEnd {
		fbt.Fatal(c.Log, "ccache: emission would overrun the cache guard region")
	}
	copy(c.buf[c.pos:], b)
	c.pos += len(b)
}

// Room reports how many bytes remain before the guarded end of the current
// region, used by the translator's caller to decide whether to grow the
// cache before starting a new TU.
func (c *Cache) Room() int {
	return c.guardEnd - c.pos
}

// Used reports how many bytes of the current chunk are occupied, exposed
// for the statistics feature's code-cache high-water mark.
func (c *Cache) Used() int {
	return c.pos
}

// Grow allocates a fresh code-cache chunk when the current one is running
// low, per spec.md §4.1 ("code cache" chunks backing the translator).
func (c *Cache) Grow() error {
	return c.growCache()
}

// Reinit rebuilds the cache's storage on top of mem after mem.Reinit has
// already reclaimed the chunks this Cache previously owned (its old code
// chunk and mapping-table chunk among them). It must run after those chunks
// are gone, not before: c.buf is reset to nil first so growCache does not
// try to Reprotect a buffer that is no longer mapped. The *Cache value
// itself is never replaced, matching Flush's "cache identity survives"
// contract — only what it points at changes.
func (c *Cache) Reinit(mem *memmgr.TLDMemory) error {
	c.mem = mem
	c.buf = nil
	if err := c.growCache(); err != nil {
		return err
	}

	mtPages := mapping.MappingTableSize/fbt.PageSize + 1
	mtBuf, err := mem.Lalloc(mtPages, pagealloc.KindMappingTable)
	if err != nil {
		return fmt.Errorf("ccache: mapping table alloc: %w", err)
	}
	c.Mapping = mapping.New(c.Log, mtBuf)

	return nil
}

// FlushState is everything ccache.Flush needs from its caller to carry
// trampolines and dispatcher state across reinitialization; tld owns the
// concrete values and supplies callbacks so this package stays decoupled
// from trampoline/syscallauth.
type FlushState struct {
	// CommitStubGuestAddr is the well-known guest entry of the
	// commit/end-transaction stub, whose cache address changes across
	// reinit and must be restored afterward.
	CommitStubGuestAddr fbt.GAddr

	// SignalHandlerTargets holds, for each live signal-handler slot, the
	// guest target a trampoline in that slot currently points at (or 0 if
	// the slot is empty).
	SignalHandlerTargets func() []fbt.GAddr

	// Reinit rebuilds everything downstream of the bootstrap chunk:
	// memmgr.Reinit, the code cache and trampoline pool storage, and
	// (optionally) syscall authorization. It must return the new cache
	// address of CommitStubGuestAddr's stub.
	Reinit func() (newCommitStub fbt.CAddr, err error)

	// RestoreSignalHandlers re-creates a trampoline for each saved target
	// (skipping zero entries) and reinstalls it as the process's signal
	// handler.
	RestoreSignalHandlers func(targets []fbt.GAddr)
}

// Flush is the sole reclamation primitive: it is always whole-cache.
// Partial invalidation is unsupported because the translator inlines and
// patches direct jumps between cache blocks, which would require a
// backreference graph the design intentionally avoids.
//
// Steps, per spec.md §4.3:
//  1. Save per-slot metadata that must outlive the flush (signal-handler
//     trampoline targets, via fs.SignalHandlerTargets).
//  2. Recover the commit/end-transaction stub's current cache address by
//     forward-looking it up, then calling Mapping.FindReverse to confirm
//     the table still agrees it belongs to CommitStubGuestAddr before the
//     whole table is discarded — this address changes across reinit and
//     must be restored afterward.
//  3. Reinitialize (memmgr.Reinit, rebuild cache and trampoline pool
//     storage, re-init syscall authorization if enabled) via fs.Reinit,
//     which also
//     reconstructs the commit/end-transaction stub and reports its new
//     cache address.
//  4. Empty the mapping table, then restore the one entry that must
//     survive flush: CommitStubGuestAddr now pointing at the freshly
//     rebuilt stub.
//  5. Rebuild and reinstall each saved signal-handler trampoline.
func (c *Cache) Flush(fs FlushState) error {
	var savedTargets []fbt.GAddr
	if fs.SignalHandlerTargets != nil {
		savedTargets = fs.SignalHandlerTargets()
	}

	if fs.CommitStubGuestAddr != 0 {
		if oldStub, ok := c.Mapping.Find(fs.CommitStubGuestAddr); ok {
			if g, ok := c.Mapping.FindReverse(oldStub); !ok || g != fs.CommitStubGuestAddr {
				fbt.Fatal(c.Log, "ccache: commit stub mapping corrupt before flush (guest=%s cache=%s)", fs.CommitStubGuestAddr, oldStub)
			}
		}
	}

	if fs.Reinit == nil {
		return fmt.Errorf("ccache: flush: no Reinit callback supplied")
	}
	newCommitStub, err := fs.Reinit()
	if err != nil {
		return fmt.Errorf("ccache: flush: reinit: %w", err)
	}

	c.Mapping.Reset()
	if fs.CommitStubGuestAddr != 0 {
		c.Mapping.Add(fs.CommitStubGuestAddr, newCommitStub)
	}

	if fs.RestoreSignalHandlers != nil {
		fs.RestoreSignalHandlers(savedTargets)
	}

	c.Log.Debug("ccache flush complete")
	return nil
}
