// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package translator

import (
	"testing"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/action"
	"github.com/nebelwelt/fbt/decode/refdecoder"
)

// fakeCache is an in-memory stand-in for ccache.Cache, just enough to drive
// Translate without the page allocator.
type fakeCache struct {
	buf []byte
	pos int
}

func (c *fakeCache) Emit(b []byte) {
	c.buf = append(c.buf[:c.pos], b...)
	c.pos += len(b)
}

func (c *fakeCache) Mark() fbt.CAddr {
	return fbt.CAddr(c.pos)
}

type fakeDispatcher struct{}

func (fakeDispatcher) UnmanagedCode() fbt.CAddr { return 0x1000 }
func (fakeDispatcher) Ret2App() fbt.CAddr       { return 0x1010 }
func (fakeDispatcher) OptIJump() fbt.CAddr      { return 0x1020 }
func (fakeDispatcher) OptICall() fbt.CAddr      { return 0x1030 }
func (fakeDispatcher) OptRet() fbt.CAddr        { return 0x1040 }

var _ action.Dispatcher = fakeDispatcher{}

func encodeImage(ops ...refdecoder.Opcode) []byte {
	buf := make([]byte, 0, 4*len(ops))
	for _, op := range ops {
		w := refdecoder.Encode(op, 0)
		buf = append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return buf
}

func TestTranslateClosesOnSWI(t *testing.T) {
	base := fbt.GAddr(0x10000)
	img := encodeImage(refdecoder.OpADD, refdecoder.OpMOV, refdecoder.OpSWI)
	decoder := refdecoder.New(base, img)

	s := New(nil, decoder, fakeDispatcher{})
	cache := &fakeCache{buf: make([]byte, 0, 64)}

	res, err := s.Translate(cache, base)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if res.Verdict != action.CloseGlue {
		t.Fatalf("Verdict = %v, want CLOSE_GLUE", res.Verdict)
	}
	// ADD and MOV each copy 4 bytes verbatim, SWI copies its own 4 bytes:
	// 12 bytes emitted total, nothing else (the CloseGlue path for Copy
	// does not append extra glue, unlike Branch/Return/SysEnter).
	if res.BytesEmitted != 12 {
		t.Fatalf("BytesEmitted = %d, want 12", res.BytesEmitted)
	}
	if res.GuestStart != base {
		t.Fatalf("GuestStart = %s, want %s", res.GuestStart, base)
	}
}

func TestTranslateStaysOpenOnNonClosingOpcodes(t *testing.T) {
	base := fbt.GAddr(0x20000)
	img := encodeImage(refdecoder.OpADD, refdecoder.OpMOV, refdecoder.OpRET)
	decoder := refdecoder.New(base, img)

	s := New(nil, decoder, fakeDispatcher{})
	cache := &fakeCache{buf: make([]byte, 0, 64)}

	res, err := s.Translate(cache, base)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	// RET always closes (via action.Return), so the TU should end exactly
	// at the third instruction, having advanced the cursor by 2*4 bytes of
	// plain copies before that.
	if res.Verdict != action.Close {
		t.Fatalf("Verdict = %v, want CLOSE", res.Verdict)
	}
	// ADD (4) + MOV (4) copied verbatim, then Return emits a 16-byte
	// dispatch epilogue instead of the RET instruction itself.
	if res.BytesEmitted != 4+4+16 {
		t.Fatalf("BytesEmitted = %d, want 24", res.BytesEmitted)
	}
}

func TestTranslateBranchComputesTarget(t *testing.T) {
	base := fbt.GAddr(0x30000)
	// A branch three instructions forward, landing past the image.
	img := encodeImage(refdecoder.OpB)
	// Patch in an explicit forward displacement of 3 instructions.
	w := refdecoder.Encode(refdecoder.OpB, 3)
	img[0] = byte(w)
	img[1] = byte(w >> 8)
	img[2] = byte(w >> 16)
	img[3] = byte(w >> 24)

	decoder := refdecoder.New(base, img)
	s := New(nil, decoder, fakeDispatcher{})
	cache := &fakeCache{buf: make([]byte, 0, 64)}

	res, err := s.Translate(cache, base)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.Verdict != action.Close {
		t.Fatalf("Verdict = %v, want CLOSE", res.Verdict)
	}
	if res.BytesEmitted != 16 {
		t.Fatalf("BytesEmitted = %d, want 16 (one dispatch epilogue)", res.BytesEmitted)
	}
	// The epilogue's first 8 bytes carry the branch target, little-endian:
	// the branch's own address plus 3 instructions of 4 bytes each.
	var target uint64
	for i := 0; i < 8; i++ {
		target |= uint64(cache.buf[i]) << (8 * i)
	}
	if want := base + 3*4; fbt.GAddr(target) != want {
		t.Fatalf("branch target = %s, want %s", fbt.GAddr(target), want)
	}
}
