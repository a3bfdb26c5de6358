// Package action implements the translator's canonical per-opcode actions:
// functions that emit translated bytes into the code cache and return a
// verdict telling the translator loop whether the translation unit
// continues or closes.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package action

import (
	"log/slog"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/decode"
	"golang.org/x/time/rate"
)

// warnLimiter throttles the unknown-opcode log line Warn emits, so a hot
// untranslated opcode cannot flood the log. nil means unlimited, which is
// also what a fresh zero-value package gets before SetWarnRateLimit is
// called.
var warnLimiter *rate.Limiter

// SetWarnRateLimit configures how often Warn may log, at most eventsPerSec
// warnings per second with the given burst. Pass a non-positive
// eventsPerSec to disable the limiter (log every occurrence).
func SetWarnRateLimit(eventsPerSec float64, burst int) {
	if eventsPerSec <= 0 {
		warnLimiter = nil
		return
	}
	warnLimiter = rate.NewLimiter(rate.Limit(eventsPerSec), burst)
}

// Verdict is an action's report on what should happen to the translation
// unit it was invoked for. It is the only return value the translator
// loop inspects; it is never an error.
type Verdict int

const (
	// Neutral means the TU continues with the next instruction.
	Neutral Verdict = iota
	// Close means the TU ends here; no epilogue is needed.
	Close
	// CloseGlue means the TU ends here, but an epilogue must be emitted
	// that re-enters the dispatcher, used after instructions (like a
	// software interrupt) that may alter control flow opaquely.
	CloseGlue
)

func (v Verdict) String() string {
	switch v {
	case Neutral:
		return "NEUTRAL"
	case Close:
		return "CLOSE"
	case CloseGlue:
		return "CLOSE_GLUE"
	default:
		return "UNKNOWN"
	}
}

// Emitter is the minimal cache-writing surface an action needs: append
// bytes at the current high-water mark and advance it.
type Emitter interface {
	Emit(b []byte)
}

// Dispatcher supplies the well-known cache addresses actions route control
// transfers through.
type Dispatcher interface {
	UnmanagedCode() fbt.CAddr
	Ret2App() fbt.CAddr
	OptIJump() fbt.CAddr
	OptICall() fbt.CAddr
	OptRet() fbt.CAddr
}

// Fn is the signature every per-opcode action implements.
type Fn func(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict

// None performs no emission and never closes the TU. Used for pure
// annotations the decoder surfaces but that carry no translated bytes.
func None(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	return Neutral
}

// Copy emits the instruction verbatim. It closes the TU with glue code if
// the opcode is a software interrupt; otherwise it leaves the TU open.
func Copy(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	emit.Emit(info.Bytes)

	if info.IsSWI() {
		log.Debug("action copy: SWI closes TU with glue", "addr", info.Addr)
		return CloseGlue
	}
	return Neutral
}

// Warn is equivalent to Copy but logs an unknown-opcode warning first; a
// last-resort fallback under a permissive build (spec.md §7 error kind 3).
// The warning itself is rate-limited (see SetWarnRateLimit) so a hot
// untranslated opcode cannot flood the log the way the original's
// unconditional PRINT_DEBUG call would.
func Warn(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	if warnLimiter == nil || warnLimiter.Allow() {
		log.Warn("unhandled opcode, falling through to copy", "addr", info.Addr, "flags", info.OpcodeFlags)
	}
	return Copy(log, emit, disp, info)
}

// Fail logs and terminates the process: used for opcodes the translator
// cannot yet handle safely (spec.md §7 error kind 1).
func Fail(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	fbt.Fatal(log, "unhandled opcode at %s, giving up (flags=%#x)", info.Addr, info.OpcodeFlags)
	return Close // unreachable: Fatal panics
}

// Branch emits an epilogue that carries the decoded branch target and
// routes control through the optimized indirect jump stub. It always
// closes the TU.
func Branch(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	emit.Emit(encodeDispatchEpilogue(info.BranchTarget, disp.OptIJump()))
	return Close
}

// BranchAndLink is Branch's call-like sibling: it routes through the
// indirect call trampoline so a return address can be recovered by the
// dispatcher on the way back.
func BranchAndLink(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	emit.Emit(encodeDispatchEpilogue(info.BranchTarget, disp.OptICall()))
	return Close
}

// Return routes control through the optimized return trampoline. The
// guest's actual return address is not known statically, so the epilogue
// always defers to the dispatcher.
func Return(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	emit.Emit(encodeDispatchEpilogue(0, disp.OptRet()))
	return Close
}

// SysEnter routes a fast syscall-entry instruction through the
// unmanaged-code dispatcher with glue, since the kernel may resume
// execution at an address the translator cannot predict.
func SysEnter(log *slog.Logger, emit Emitter, disp Dispatcher, info decode.Info) Verdict {
	emit.Emit(info.Bytes)
	emit.Emit(encodeDispatchEpilogue(0, disp.UnmanagedCode()))
	return CloseGlue
}

// encodeDispatchEpilogue is a stand-in for the architecture-specific glue
// a real DBT would emit (materialize target, jump to stub); it only needs
// to be long enough and deterministic for tests to assert over, since real
// code generation is out of the translator core's scope (spec.md §1).
func encodeDispatchEpilogue(target fbt.GAddr, stub fbt.CAddr) []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(target >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		b[8+i] = byte(stub >> (8 * i))
	}
	return b
}
