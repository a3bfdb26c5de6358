// Package decode defines the instruction decoder collaborator contract:
// given a guest address, it returns a decoded instruction's descriptor,
// the address of the following instruction, and the action function
// selected by its opcode. Real per-architecture decoding tables are
// explicitly out of scope for the translator core (see spec.md §1); this
// package only fixes the interface the translator drives.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package decode

import "github.com/nebelwelt/fbt"

// SWIOpcodeFlags is the value the low 13 bits of an Info's OpcodeFlags must
// equal for the instruction to be a software interrupt, forcing the
// translator to close its TU with glue code after translating it.
const SWIOpcodeFlags = 0x1FFF

// Info carries everything an action needs about one decoded instruction.
type Info struct {
	// Addr is the guest address this instruction starts at.
	Addr fbt.GAddr
	// Size is the instruction's length in bytes on the guest.
	Size int
	// OpcodeFlags carries opcode classification bits; the low 13 bits
	// equal SWIOpcodeFlags exactly for a software interrupt.
	OpcodeFlags uint32
	// Bytes is the raw guest instruction bytes, Size long.
	Bytes []byte
	// BranchTarget is the statically known branch target, if any (valid
	// for Branch/BranchAndLink actions).
	BranchTarget fbt.GAddr
}

// IsSWI reports whether info describes a software interrupt.
func (info Info) IsSWI() bool {
	return info.OpcodeFlags&SWIOpcodeFlags == SWIOpcodeFlags
}

// ActionID names one of the translator's canonical per-opcode actions, so
// a Decoder can select one without importing the action package (which in
// turn imports decode for Info), avoiding an import cycle.
type ActionID int

const (
	ActionNone ActionID = iota
	ActionCopy
	ActionWarn
	ActionFail
	ActionBranch
	ActionBranchAndLink
	ActionReturn
	ActionSysEnter
)

// Decoder is the external collaborator the translator drives once per
// instruction.
type Decoder interface {
	// Decode returns the descriptor for the instruction at addr, the
	// address of the next instruction in program order, and which action
	// should handle it. An error here is always fatal: an undecodable
	// guest address leaves the translator with no safe way to proceed.
	Decode(addr fbt.GAddr) (info Info, next fbt.GAddr, action ActionID, err error)
}
