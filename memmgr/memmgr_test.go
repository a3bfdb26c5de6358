// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package memmgr

import (
	"testing"

	"github.com/nebelwelt/fbt/pagealloc"
)

func chunkCount(m *TLDMemory) int {
	n := 0
	for c := m.Chunks(); c != nil; c = c.Next {
		n++
	}
	return n
}

func TestBootstrapSingleChunk(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if n := chunkCount(m); n != 1 {
		t.Fatalf("chunk count after Bootstrap = %d, want 1", n)
	}
}

func TestLallocTracksChunks(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Lalloc(1, pagealloc.KindCodeCache); err != nil {
			t.Fatalf("Lalloc %d: %v", i, err)
		}
	}

	if n := chunkCount(m); n != 4 {
		t.Fatalf("chunk count after 3 Lallocs = %d, want 4", n)
	}
}

func TestSharedDataNotTracked(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := m.Lalloc(1, pagealloc.KindSharedData); err != nil {
		t.Fatalf("Lalloc shared: %v", err)
	}

	if n := chunkCount(m); n != 1 {
		t.Fatalf("chunk count after shared-data Lalloc = %d, want 1 (untracked)", n)
	}
}

func TestFreeLeavesOneChunk(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Lalloc(1, pagealloc.KindTrampoline); err != nil {
			t.Fatalf("Lalloc %d: %v", i, err)
		}
	}

	if err := m.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if n := chunkCount(m); n != 1 {
		t.Fatalf("chunk count after Free = %d, want 1", n)
	}
}

func TestReinitPreservesBootstrapChunkAcrossCycles(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	boot := m.Chunks()

	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 4; i++ {
			if _, err := m.Lalloc(1, pagealloc.KindMappingTable); err != nil {
				t.Fatalf("cycle %d Lalloc %d: %v", cycle, i, err)
			}
		}
		if err := m.Reinit(); err != nil {
			t.Fatalf("cycle %d Reinit: %v", cycle, err)
		}
		if n := chunkCount(m); n != 1 {
			t.Fatalf("cycle %d chunk count after Reinit = %d, want 1", cycle, n)
		}
		if m.Chunks() != boot {
			t.Fatalf("cycle %d Reinit replaced the bootstrap chunk", cycle)
		}
	}
}

func TestSmallocRefillsAcrossBoundary(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	total := SmallocPages * 4096
	got := 0
	for got < total+SmallocMax {
		b := m.Smalloc(SmallocMax)
		got += len(b)
	}

	if n := chunkCount(m); n < 2 {
		t.Fatalf("chunk count after forcing a scratch refill = %d, want >= 2", n)
	}
}

func TestSmallocFatalOnOversize(t *testing.T) {
	m := New(nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Smalloc did not panic for an oversize request")
		}
	}()
	m.Smalloc(SmallocMax + 1)
}
