// Package refdecoder is a reference implementation of decode.Decoder over
// a tiny made-up fixed-width instruction set. It exists purely to make the
// translator loop and its tests exercisable end-to-end; it is explicitly a
// stand-in for a real per-architecture decoding table, which spec.md §1
// places out of the translator core's scope.
//
// Encoding: each instruction is 4 bytes, little-endian uint32. The low 13
// bits are the opcode's flags (decode.SWIOpcodeFlags marks a software
// interrupt exactly as spec.md §4.5/§6 describes); the remaining bits
// carry a signed word-granular branch displacement for Branch and
// BranchAndLink.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package refdecoder

import (
	"encoding/binary"
	"fmt"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/decode"
)

// Opcode identifies one of the made-up ISA's instructions by its low
// 13-bit flags field.
type Opcode uint32

const (
	OpADD Opcode = 0x0001
	OpMOV Opcode = 0x0002
	OpB    Opcode = 0x0003
	OpBL   Opcode = 0x0004
	OpRET  Opcode = 0x0005
	OpSVC  Opcode = 0x0006
	OpSWI  Opcode = Opcode(decode.SWIOpcodeFlags)
	OpUNK  Opcode = 0x0FFF
)

const instrSize = 4

// Decoder decodes a fixed guest image starting at Base.
type Decoder struct {
	Base  fbt.GAddr
	Image []byte
}

// New returns a Decoder over image, addressed starting at base.
func New(base fbt.GAddr, image []byte) *Decoder {
	return &Decoder{Base: base, Image: image}
}

func (d *Decoder) offsetOf(addr fbt.GAddr) (int, error) {
	if addr < d.Base {
		return 0, fmt.Errorf("refdecoder: address %s below image base %s", addr, d.Base)
	}
	off := int(addr - d.Base)
	if off+instrSize > len(d.Image) {
		return 0, fmt.Errorf("refdecoder: address %s out of image bounds", addr)
	}
	return off, nil
}

// Decode implements decode.Decoder.
func (d *Decoder) Decode(addr fbt.GAddr) (decode.Info, fbt.GAddr, decode.ActionID, error) {
	off, err := d.offsetOf(addr)
	if err != nil {
		return decode.Info{}, 0, decode.ActionFail, err
	}

	word := binary.LittleEndian.Uint32(d.Image[off : off+instrSize])
	flags := word & decode.SWIOpcodeFlags
	next := addr + instrSize

	info := decode.Info{
		Addr:        addr,
		Size:        instrSize,
		OpcodeFlags: flags,
		Bytes:       d.Image[off : off+instrSize],
	}

	switch Opcode(flags) {
	case OpADD, OpMOV, OpSWI:
		// action.Copy itself inspects Info.IsSWI and closes the TU with
		// glue code; OpSWI is routed here, not to a dedicated action, to
		// match spec.md §4.5's action_copy contract exactly.
		return info, next, decode.ActionCopy, nil
	case OpSVC:
		return info, next, decode.ActionSysEnter, nil
	case OpB:
		disp := (int32(word) >> 13) * instrSize
		info.BranchTarget = fbt.GAddr(int64(addr) + int64(disp))
		return info, next, decode.ActionBranch, nil
	case OpBL:
		disp := (int32(word) >> 13) * instrSize
		info.BranchTarget = fbt.GAddr(int64(addr) + int64(disp))
		return info, next, decode.ActionBranchAndLink, nil
	case OpRET:
		return info, next, decode.ActionReturn, nil
	default:
		return info, next, decode.ActionWarn, nil
	}
}

// Encode packs an opcode and an optional branch displacement (in
// instructions, signed) into one instruction word. It is used by tests to
// build guest images.
func Encode(op Opcode, branchDispInstrs int32) uint32 {
	return uint32(op) | (uint32(branchDispInstrs) << 13)
}
