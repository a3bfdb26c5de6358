// Package syscallauth defines the external contract for the
// syscall-authorization policy layer spec.md §1 places out of the
// translator core's scope, and (behind the authorize_syscalls build tag)
// a concrete implementation backed by gVisor's seccomp rule compiler.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package syscallauth

import "github.com/nebelwelt/fbt"

// Response is an authorization decision for one intercepted syscall.
type Response int

const (
	// Allow lets the syscall proceed unmodified.
	Allow Response = iota
	// Deny fails the syscall back to the guest without executing it.
	Deny
	// Rewrite means the authorizer has altered the syscall's arguments in
	// place; the translated stub must re-read them before proceeding.
	Rewrite
)

// Authorizer is the external collaborator the translator's syscall-table
// subsystem (an optional feature, see tld.Features.AuthorizeSyscalls)
// consults before letting an intercepted syscall through. Its policy is
// explicitly out of scope for the core (spec.md §1); only this contract is.
type Authorizer interface {
	// Authorize is consulted for the syscall numbered nr, with its six
	// raw argument words, at the guest address the syscall instruction
	// was translated from.
	Authorize(origin fbt.GAddr, nr uint64, args [6]uint64) Response
}

// NopAuthorizer allows every syscall; it is the default when
// AuthorizeSyscalls is enabled but no policy has been installed.
type NopAuthorizer struct{}

func (NopAuthorizer) Authorize(origin fbt.GAddr, nr uint64, args [6]uint64) Response {
	return Allow
}

// Reinitializer is implemented by an Authorizer whose internal state must
// be rebuilt across a flush — a compiled rule table living in memory the
// flush's memmgr.Reinit is about to reclaim, for instance.
type Reinitializer interface {
	Reinit() Authorizer
}

// Reinit is called by ccache.Flush's reinitialization step (spec.md §4.3
// step 5, "optionally re-init syscall authorization") for every TLD with
// AuthorizeSyscalls enabled. Authorizers that don't implement Reinitializer
// keep no state tied to the flushed memory region and are returned
// unchanged.
func Reinit(a Authorizer) Authorizer {
	if r, ok := a.(Reinitializer); ok {
		return r.Reinit()
	}
	return a
}
