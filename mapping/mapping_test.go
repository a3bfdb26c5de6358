// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package mapping

import (
	"testing"

	"github.com/nebelwelt/fbt"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	buf := make([]byte, BufSize)
	return New(nil, buf)
}

func TestFindMiss(t *testing.T) {
	tbl := newTestTable(t)
	if _, ok := tbl.Find(fbt.GAddr(0x1000)); ok {
		t.Fatal("Find on empty table reported a hit")
	}
}

func TestAddThenFind(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Add(fbt.GAddr(0x1000), fbt.CAddr(0x2000))

	got, ok := tbl.Find(fbt.GAddr(0x1000))
	if !ok {
		t.Fatal("Find missed an entry just added")
	}
	if got != fbt.CAddr(0x2000) {
		t.Fatalf("Find returned %s, want c:0x2000", got)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestMoveToFrontPreservesChain(t *testing.T) {
	tbl := newTestTable(t)

	// Force a collision chain by colliding with a probed-past address: find
	// two addresses whose home bucket matches, by probing forward from a
	// fixed g until hash collides.
	g1 := fbt.GAddr(0x1000)
	home := hash(g1)

	var g2 fbt.GAddr
	for off := fbt.GAddr(1); ; off++ {
		if hash(g1+off) == home {
			g2 = g1 + off
			break
		}
	}

	tbl.Add(g1, fbt.CAddr(0xaaaa))
	tbl.Add(g2, fbt.CAddr(0xbbbb))

	// g2 sits past g1 in the probe chain; finding it should move it to
	// g1's (the chain's first) slot, and both entries must still be
	// reachable afterward with their original values.
	got2, ok := tbl.Find(g2)
	if !ok || got2 != fbt.CAddr(0xbbbb) {
		t.Fatalf("Find(g2) = %s, %v, want c:0xbbbb, true", got2, ok)
	}

	got1, ok := tbl.Find(g1)
	if !ok || got1 != fbt.CAddr(0xaaaa) {
		t.Fatalf("Find(g1) = %s, %v, want c:0xaaaa, true", got1, ok)
	}

	got2again, ok := tbl.Find(g2)
	if !ok || got2again != fbt.CAddr(0xbbbb) {
		t.Fatalf("Find(g2) after move = %s, %v, want c:0xbbbb, true", got2again, ok)
	}

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (no holes introduced)", tbl.Len())
	}
}

func TestReverseRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Add(fbt.GAddr(0x3000), fbt.CAddr(0x4000))

	g, ok := tbl.FindReverse(fbt.CAddr(0x4000))
	if !ok || g != fbt.GAddr(0x3000) {
		t.Fatalf("FindReverse = %s, %v, want g:0x3000, true", g, ok)
	}

	if _, ok := tbl.FindReverse(fbt.CAddr(0x9999)); ok {
		t.Fatal("FindReverse found an address never added")
	}
}

func TestResetEmptiesTable(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Add(fbt.GAddr(0x1000), fbt.CAddr(0x2000))
	tbl.Reset()

	if tbl.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", tbl.Len())
	}
	if _, ok := tbl.Find(fbt.GAddr(0x1000)); ok {
		t.Fatal("Find succeeded after Reset")
	}
}

func TestSuppressedAddIsNoOp(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Suppressed = true
	tbl.Add(fbt.GAddr(0x1000), fbt.CAddr(0x2000))

	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 while Suppressed", tbl.Len())
	}
}

func TestAddFatalOnCapacity(t *testing.T) {
	tbl := newTestTable(t)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Add did not panic once the probe bound was exceeded")
		}
		if _, ok := r.(*fbt.FatalError); !ok {
			t.Fatalf("recovered %T, want *fbt.FatalError", r)
		}
	}()

	// Collide every insert into the same home bucket until Add's probe
	// bound trips.
	home := hash(fbt.GAddr(0x1000))
	g := fbt.GAddr(0x1000)
	for i := 0; i < EntryCount/MaxProbeFraction+2; i++ {
		for hash(g) != home {
			g++
		}
		tbl.Add(g, fbt.CAddr(uintptr(g)))
		g++
	}
	t.Fatal("Add did not panic before filling the whole chain bound")
}
