// Package fbt is the core of a userspace dynamic binary translator: a
// runtime that intercepts a guest program's native machine code, rewrites
// it into a managed code cache, and keeps control inside translated code.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package fbt

import (
	"fmt"
	"log/slog"
)

// GAddr is an opaque address in the guest program's own address space.
type GAddr uintptr

// CAddr is an address inside a code cache page owned by the translator.
type CAddr uintptr

func (g GAddr) String() string { return fmt.Sprintf("g:%#x", uintptr(g)) }
func (c CAddr) String() string { return fmt.Sprintf("c:%#x", uintptr(c)) }

// PageSize is the granularity at which the memory manager allocates from
// the host. 4096 covers every host this translator targets.
const PageSize = 4096

// FatalError marks a condition the translator cannot recover from: a bug
// in the DBT itself or host resource exhaustion. Per the DBT's error
// model, no code ever catches a FatalError to keep going — it propagates
// as a panic to the top of the owning goroutine and terminates the
// process. Tests instead recover it in-process to assert that a given
// operation is fatal.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

// Fatal logs msg at Error level and panics with a *FatalError carrying it.
// Nothing in this module recovers the panic outside tests, so it ends the
// process.
func Fatal(log *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if log != nil {
		log.Error(msg)
	}
	panic(&FatalError{Msg: msg})
}
