// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package ccache

import (
	"testing"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/memmgr"
)

func newTestCache(t *testing.T) (*Cache, *memmgr.TLDMemory) {
	t.Helper()
	mem := memmgr.New(nil)
	if err := mem.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	c, err := New(nil, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, mem
}

func TestFlushEmptiesMappingTable(t *testing.T) {
	c, _ := newTestCache(t)
	c.Mapping.Add(fbt.GAddr(0x1000), fbt.CAddr(0x2000))

	fs := FlushState{
		Reinit: func() (fbt.CAddr, error) { return 0, nil },
	}
	if err := c.Flush(fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if c.Mapping.Len() != 0 {
		t.Fatalf("Mapping.Len() after Flush = %d, want 0", c.Mapping.Len())
	}
}

func TestFlushRestoresCommitStub(t *testing.T) {
	c, _ := newTestCache(t)

	commitGuest := fbt.GAddr(0xdead0000)
	newStub := fbt.CAddr(0xc0ffee)

	fs := FlushState{
		CommitStubGuestAddr: commitGuest,
		Reinit:              func() (fbt.CAddr, error) { return newStub, nil },
	}
	if err := c.Flush(fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, ok := c.Mapping.Find(commitGuest)
	if !ok {
		t.Fatal("commit stub entry missing after Flush")
	}
	if got != newStub {
		t.Fatalf("commit stub cache address = %s, want %s", got, newStub)
	}
}

func TestFlushRestoresSignalHandlerTargets(t *testing.T) {
	c, _ := newTestCache(t)

	saved := []fbt.GAddr{0x1111, 0, 0x2222}
	var restored []fbt.GAddr

	fs := FlushState{
		SignalHandlerTargets: func() []fbt.GAddr { return saved },
		Reinit:               func() (fbt.CAddr, error) { return 0, nil },
		RestoreSignalHandlers: func(targets []fbt.GAddr) {
			restored = targets
		},
	}
	if err := c.Flush(fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(restored) != len(saved) {
		t.Fatalf("restored %v, want %v", restored, saved)
	}
	for i := range saved {
		if restored[i] != saved[i] {
			t.Fatalf("restored[%d] = %s, want %s", i, restored[i], saved[i])
		}
	}
}

func TestFlushPreservesCacheIdentity(t *testing.T) {
	c, _ := newTestCache(t)
	before := c

	fs := FlushState{Reinit: func() (fbt.CAddr, error) { return 0, nil }}
	if err := c.Flush(fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if c != before {
		t.Fatal("Flush changed the *Cache identity")
	}
}
