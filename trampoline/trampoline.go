// Package trampoline implements the trampoline pool: a freelist of small
// executable stubs used to dispatch from translated code to an
// untranslated target, to stand in as a patched placeholder in translated
// control transfers, or to be installed as an OS signal handler so the
// translator regains control.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package trampoline

import (
	"log/slog"
	"unsafe"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/memmgr"
	"github.com/nebelwelt/fbt/pagealloc"
)

// OriginKind distinguishes how a trampoline's origin metadata is passed
// back to the dispatcher.
type OriginKind int

const (
	// OriginRelative means Origin is relative to the trampoline itself
	// (e.g. a direct call site being replaced).
	OriginRelative OriginKind = iota
	// OriginAbsolute means Origin is an absolute guest address, used when
	// restoring a signal handler's trampoline across a flush.
	OriginAbsolute
)

// StubSize is the number of bytes reserved for one trampoline's inline
// stub code. It comfortably fits the "materialize target, switch stack,
// branch to dispatcher" sequence on every architecture this port targets.
const StubSize = 32

// Trampoline is one pooled executable stub. Code aliases a StubSize slice
// of the pool's Lalloc'd RWX page (see Pool.refill) — the Trampoline value
// itself is an ordinary Go-heap struct, but its inline code buffer lives in
// the same mapped memory the dispatcher actually branches into, matching
// spec.md §3's invariant that every live trampoline pointer lies inside a
// chunk of type trampoline pool.
type Trampoline struct {
	Target     fbt.GAddr
	Origin     fbt.GAddr
	OriginKind OriginKind
	Code       []byte

	next *Trampoline
}

// entriesPerPool is how many trampolines one page-allocator allocation
// provides.
const entriesPerPool = fbt.PageSize / StubSize

// Pool is the singly linked freelist of trampolines owned by one TLD.
// Allocation pops from the head; Free pushes back to the head.
type Pool struct {
	Log *slog.Logger
	mem *memmgr.TLDMemory

	free *Trampoline
	// live keeps every trampoline carved out by refill reachable from Go's
	// GC and lets Find check pool membership without scanning raw memmgr
	// chunks the way the original's linear chunk search does.
	live []*Trampoline
	// inUse counts trampolines currently popped off the freelist, exposed
	// for the statistics feature's TrampolinesInUse gauge.
	inUse int
}

// InUse reports how many trampolines are currently allocated out of the
// pool (created but not yet Free'd).
func (p *Pool) InUse() int { return p.inUse }

// New creates an empty trampoline pool backed by mem.
func New(log *slog.Logger, mem *memmgr.TLDMemory) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{Log: log, mem: mem}
}

func (p *Pool) refill() {
	buf, err := p.mem.Lalloc(1, pagealloc.KindTrampoline)
	if err != nil {
		fbt.Fatal(p.Log, "trampoline pool refill: %v", err)
	}

	trampos := make([]Trampoline, entriesPerPool)
	for i := range trampos {
		trampos[i].Code = buf[i*StubSize : (i+1)*StubSize : (i+1)*StubSize]
		if i+1 < len(trampos) {
			trampos[i].next = &trampos[i+1]
		} else {
			trampos[i].next = p.free
		}
		p.live = append(p.live, &trampos[i])
	}
	p.free = &trampos[0]
}

// Create acquires a free trampoline, fills its metadata, and writes its
// architecture-specific stub bytes. The stub's contract: on entry, place
// target where the dispatcher expects it, switch to the DBT stack, and
// branch to the unmanaged-code dispatcher.
func (p *Pool) Create(target, origin fbt.GAddr, kind OriginKind, dispatcher fbt.CAddr, emit func(code []byte, target fbt.GAddr, dispatcher fbt.CAddr) int) *Trampoline {
	if p.free == nil {
		p.refill()
	}

	t := p.free
	p.free = t.next
	t.next = nil
	p.inUse++

	t.Target = target
	t.Origin = origin
	t.OriginKind = kind

	for i := range t.Code {
		t.Code[i] = 0
	}
	n := emit(t.Code[:], target, dispatcher)
	if n > StubSize {
		fbt.Fatal(p.Log, "trampoline stub overflowed its %d-byte budget", StubSize)
	}

	p.Log.Debug("trampoline created", "target", target, "origin", origin, "kind", kind)
	return t
}

// Addr returns the cache address of t's inline stub code, the address
// control actually branches to.
func (t *Trampoline) Addr() fbt.CAddr {
	return fbt.CAddr(uintptr(unsafe.Pointer(&t.Code[0])))
}

// Free returns a trampoline to the pool's freelist.
func (p *Pool) Free(t *Trampoline) {
	t.next = p.free
	p.free = t
	p.inUse--
}

// Reinit drops the pool's freelist and live-trampoline bookkeeping after
// mem.Reinit has already reclaimed every trampoline page this Pool
// previously owned. It must run after that reclamation, never before: the
// Trampoline values referenced by p.free/p.live alias pages that no longer
// exist, so they are simply abandoned to the Go GC rather than walked. The
// *Pool value itself is never replaced; refill lazily re-populates it from
// fresh pages on the next Create.
func (p *Pool) Reinit() {
	p.free = nil
	p.live = nil
	p.inUse = 0
}

// Find reports whether t is one of the pool's trampolines, compared by
// pointer identity, and returns it if so.
func (p *Pool) Find(t *Trampoline) (*Trampoline, bool) {
	for _, l := range p.live {
		if l == t {
			return l, true
		}
	}
	return nil, false
}
