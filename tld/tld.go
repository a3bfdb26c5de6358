// Package tld implements the per-thread context (thread-local data): the
// owning lifecycle for one guest thread's memory manager, mapping table,
// code cache, trampoline pool, and translator state.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package tld

import (
	"log/slog"
	"sync"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/action"
	"github.com/nebelwelt/fbt/ccache"
	"github.com/nebelwelt/fbt/decode"
	"github.com/nebelwelt/fbt/mapping"
	"github.com/nebelwelt/fbt/memmgr"
	"github.com/nebelwelt/fbt/pagealloc"
	"github.com/nebelwelt/fbt/stats"
	"github.com/nebelwelt/fbt/syscallauth"
	"github.com/nebelwelt/fbt/trampoline"
	"github.com/nebelwelt/fbt/translator"
)

// Features mirrors the compile-time feature flags of spec.md §6 as
// runtime-configurable booleans, since Go build tags cannot easily gate
// per-TLD behavior the way C preprocessor flags gated a single static
// binary.
type Features struct {
	Statistics        bool
	AuthorizeSyscalls bool
	HandleSignal      bool
	SharedData        bool
	ICFPredict        bool
	InlineCalls       bool
	StackProtection   bool
	SleepOnFail       bool
}

// DispatchAddrs are the five well-known dispatcher entry points the core
// publishes per spec.md §6. A real port would materialize these as the
// addresses of hand-written assembly stubs; here they are supplied by the
// embedder (see cmd/fbtdemo) since stub code generation is out of scope.
// It implements action.Dispatcher directly.
type DispatchAddrs struct {
	Unmanaged fbt.CAddr
	Ret2App_  fbt.CAddr
	IJump     fbt.CAddr
	ICall     fbt.CAddr
	Ret_      fbt.CAddr
}

func (d DispatchAddrs) UnmanagedCode() fbt.CAddr { return d.Unmanaged }
func (d DispatchAddrs) Ret2App() fbt.CAddr       { return d.Ret2App_ }
func (d DispatchAddrs) OptIJump() fbt.CAddr      { return d.IJump }
func (d DispatchAddrs) OptICall() fbt.CAddr      { return d.ICall }
func (d DispatchAddrs) OptRet() fbt.CAddr        { return d.Ret_ }

var _ action.Dispatcher = DispatchAddrs{}

// TLD is the owning context for one guest thread.
type TLD struct {
	Log      *slog.Logger
	Features Features

	mem         *memmgr.TLDMemory
	cache       *ccache.Cache
	trampolines *trampoline.Pool
	trans       *translator.State
	dispatch    DispatchAddrs
	authorizer  syscallauth.Authorizer

	signalHandlers [maxSignals]*trampoline.Trampoline

	// commitStubGuestAddr is the well-known guest entry of the
	// commit/end-transaction stub: fixed for the TLD's whole lifetime,
	// even though the stub's cache address is rebuilt on every Flush.
	commitStubGuestAddr fbt.GAddr
}

const maxSignals = 64

// New bootstraps a fresh TLD: it allocates the internal scratch heap, the
// mapping table, and the initial code-cache chunk, then builds the
// commit-stub trampoline (spec.md §4.1 init_tls / §4.6). The dispatcher
// entry points are used as given in dispatch; neither New nor Flush builds
// or rebuilds dispatcher trampolines. commitStubGuestAddr
// is the guest address the commit/end-transaction stub answers to; pass 0
// if the embedder has no such stub to install.
func New(log *slog.Logger, decoder decode.Decoder, dispatch DispatchAddrs, features Features, commitStubGuestAddr fbt.GAddr) (*TLD, error) {
	if log == nil {
		log = slog.Default()
	}

	t := &TLD{
		Log:                 log,
		Features:            features,
		dispatch:            dispatch,
		commitStubGuestAddr: commitStubGuestAddr,
	}
	if features.AuthorizeSyscalls {
		t.authorizer = syscallauth.NopAuthorizer{}
	}

	t.mem = memmgr.New(t.Log)
	if err := t.mem.Bootstrap(); err != nil {
		return nil, err
	}

	cache, err := ccache.New(t.Log, t.mem)
	if err != nil {
		return nil, err
	}
	t.cache = cache
	t.trampolines = trampoline.New(t.Log, t.mem)
	t.trans = translator.New(t.Log, decoder, t.dispatch)

	if t.commitStubGuestAddr != 0 {
		t.cache.Mapping.Add(t.commitStubGuestAddr, t.commitStub())
	}

	if features.SharedData {
		registerShared(t)
	}

	return t, nil
}

// reinit rebuilds the code cache, trampoline pool, and translator state in
// place on top of t.mem after t.mem.Reinit has already reclaimed every
// chunk they previously owned. Unlike the construction path in New, this
// must not call ccache.New/trampoline.New: those would hand back fresh
// *Cache/*Pool values, orphaning the receiver ccache.Flush is still
// running on (and any other code still holding t.cache/t.trampolines).
// Instead it asks each to reinitialize its own storage in place, preserving
// object identity the way memmgr.Reinit preserves the bootstrap chunk.
func (t *TLD) reinit(decoder decode.Decoder) error {
	if err := t.cache.Reinit(t.mem); err != nil {
		return err
	}
	t.trampolines.Reinit()
	t.trans = translator.New(t.Log, decoder, t.dispatch)
	return nil
}

// Dispatch returns the TLD's dispatcher address table.
func (t *TLD) Dispatch() DispatchAddrs { return t.dispatch }

// Authorizer returns the syscall authorizer installed for this TLD, or nil
// if the AuthorizeSyscalls feature is disabled.
func (t *TLD) Authorizer() syscallauth.Authorizer { return t.authorizer }

// SetAuthorizer installs a policy for the syscall-authorization collaborator
// (spec.md §6); it is a no-op if AuthorizeSyscalls is disabled.
func (t *TLD) SetAuthorizer(a syscallauth.Authorizer) {
	if !t.Features.AuthorizeSyscalls {
		return
	}
	t.authorizer = a
}

// Mapping returns the TLD's mapping table.
func (t *TLD) Mapping() *mapping.Table { return t.cache.Mapping }

// Translate produces one translation unit for guestStart, registering its
// entry point in the mapping table unless the translator is currently
// inlining a call (spec.md §4.5's "inlining mode"). It grows the code
// cache first if the current chunk has no room left for another TU.
func (t *TLD) Translate(guestStart fbt.GAddr) (translator.Result, error) {
	if t.cache.Room() <= 0 {
		if err := t.cache.Grow(); err != nil {
			return translator.Result{}, err
		}
	}

	t.cache.Mapping.Suppressed = t.trans.InlineReturn != 0

	res, err := t.trans.Translate(t.cache, guestStart)
	if err != nil {
		return translator.Result{}, err
	}

	if !t.cache.Mapping.Suppressed {
		t.cache.Mapping.Add(guestStart, res.Entry)
	}

	if t.Features.Statistics {
		stats.Global.MappingEntries.Set(int64(t.cache.Mapping.Len()))
		stats.Global.CodeCacheBytes.Set(int64(t.cache.Used()))
	}

	return res, nil
}

// Lookup is the dispatcher-facing fast path: find the cache address for a
// guest address, translating on a miss.
func (t *TLD) Lookup(guestAddr fbt.GAddr) (fbt.CAddr, error) {
	if addr, ok := t.cache.Mapping.Find(guestAddr); ok {
		return addr, nil
	}

	res, err := t.Translate(guestAddr)
	if err != nil {
		return 0, err
	}
	return res.Entry, nil
}

// CreateTrampoline creates a trampoline in this TLD's pool.
func (t *TLD) CreateTrampoline(target, origin fbt.GAddr, kind trampoline.OriginKind, emit func([]byte, fbt.GAddr, fbt.CAddr) int) *trampoline.Trampoline {
	tr := t.trampolines.Create(target, origin, kind, t.dispatch.UnmanagedCode(), emit)
	if t.Features.Statistics {
		stats.Global.TrampolinesInUse.Set(int64(t.trampolines.InUse()))
	}
	return tr
}

// InstallSignalHandler records tr as the handler for signal number sig
// (0-indexed), so Flush can carry its target across reinitialization.
func (t *TLD) InstallSignalHandler(sig int, tr *trampoline.Trampoline) {
	if sig < 0 || sig >= maxSignals {
		fbt.Fatal(t.Log, "signal number %d out of range", sig)
	}
	t.signalHandlers[sig] = tr
}

// Flush is the whole-cache reclamation primitive of spec.md §4.3. It
// preserves the TLD's address (it is an ordinary Go struct, never moved)
// and reinitializes everything the mapping table, code cache, and
// trampoline pool own. memmgr.Reinit frees every chunk but the bootstrap
// block before reinit reconstructs the cache/trampoline/translator state
// on top of it, so no mmap'd page from the previous generation survives
// unreclaimed, and the *ccache.Cache/*trampoline.Pool identities themselves
// never change across a flush.
func (t *TLD) Flush(decoder decode.Decoder) error {
	fs := ccache.FlushState{
		CommitStubGuestAddr: t.commitStubGuestAddr,
		SignalHandlerTargets: func() []fbt.GAddr {
			targets := make([]fbt.GAddr, maxSignals)
			for i, tr := range t.signalHandlers {
				if tr != nil {
					targets[i] = tr.Target
				}
			}
			return targets
		},
		Reinit: func() (fbt.CAddr, error) {
			if err := t.mem.Reinit(); err != nil {
				return 0, err
			}
			if err := t.reinit(decoder); err != nil {
				return 0, err
			}
			if t.Features.AuthorizeSyscalls {
				t.authorizer = syscallauth.Reinit(t.authorizer)
			}
			return t.commitStub(), nil
		},
		RestoreSignalHandlers: func(targets []fbt.GAddr) {
			for i, target := range targets {
				if target == 0 {
					continue
				}
				tr := t.CreateTrampoline(target, 0, trampoline.OriginAbsolute, defaultStub)
				t.signalHandlers[i] = tr
			}
		},
	}

	if err := t.cache.Flush(fs); err != nil {
		return err
	}

	if t.Features.Statistics {
		stats.Global.Flushes.Add(1)
		stats.Global.MappingEntries.Set(int64(t.cache.Mapping.Len()))
		stats.Global.CodeCacheBytes.Set(int64(t.cache.Used()))
		stats.Global.TrampolinesInUse.Set(int64(t.trampolines.InUse()))
	}

	return nil
}

// Close tears down the TLD at guest thread exit: it releases every chunk
// memmgr owns, including the bootstrap block Flush always preserves, and
// deregisters the TLD from the shared registry if it was SharedData.
// Unlike Flush, the TLD must not be used again afterward.
func (t *TLD) Close() error {
	if t.Features.SharedData {
		unregisterShared(t)
	}

	if t.mem == nil {
		return nil
	}
	if err := t.mem.Free(); err != nil {
		return err
	}
	// Free leaves the bootstrap chunk intact by design (see memmgr.Free);
	// release it too since the TLD itself is going away.
	return pagealloc.Free(t.mem.Chunks().Buf)
}

// commitStub constructs (or, post-reinit, reconstructs) the
// commit/end-transaction trampoline, whose cache address changes every
// time Flush rebuilds the trampoline pool.
func (t *TLD) commitStub() fbt.CAddr {
	tr := t.CreateTrampoline(t.commitStubGuestAddr, 0, trampoline.OriginAbsolute, defaultStub)
	return tr.Addr()
}

func defaultStub(code []byte, target fbt.GAddr, dispatcher fbt.CAddr) int {
	n := 0
	for i := 0; i < 8 && i < len(code); i++ {
		code[i] = byte(target >> (8 * i))
		n++
	}
	for i := 0; i < 8 && n+i < len(code); i++ {
		code[n+i] = byte(dispatcher >> (8 * i))
	}
	return n + 8
}

var (
	sharedMu sync.Mutex
	shared   []*TLD
)

// registerShared adds t to the process-wide list of live TLDs, used only
// for cross-thread signalling such as requesting a global flush (spec.md
// §5's optional "shared data" region).
func registerShared(t *TLD) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = append(shared, t)
}

// unregisterShared removes t from the process-wide list, called by Close.
func unregisterShared(t *TLD) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	for i, l := range shared {
		if l == t {
			shared = append(shared[:i], shared[i+1:]...)
			return
		}
	}
}

// Live returns every TLD currently registered via the SharedData feature.
func Live() []*TLD {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	out := make([]*TLD, len(shared))
	copy(out, shared)
	return out
}
