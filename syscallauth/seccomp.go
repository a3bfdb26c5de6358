//go:build authorize_syscalls

// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package syscallauth

import (
	"github.com/nebelwelt/fbt"
	"gvisor.dev/gvisor/pkg/seccomp"
)

// SeccompAuthorizer holds a gVisor seccomp.SyscallRules set and consults
// it for each intercepted syscall. It answers Allow/Deny only:
// gVisor's seccomp rules do not rewrite arguments, so Rewrite is never
// returned.
//
// This is the "authorize_syscalls" feature of spec.md §6; the policy
// itself (which syscalls a given guest may make) is supplied by the
// caller, matching the core's stance that the policy layer lives outside
// the translator.
type SeccompAuthorizer struct {
	rules seccomp.SyscallRules
}

// NewSeccompAuthorizer wraps rules in a reusable authorizer.
func NewSeccompAuthorizer(rules seccomp.SyscallRules) *SeccompAuthorizer {
	return &SeccompAuthorizer{rules: rules}
}

// Authorize reports Allow if nr has a matching (or absent, meaning
// unrestricted) rule in the compiled set, Deny otherwise.
func (s *SeccompAuthorizer) Authorize(origin fbt.GAddr, nr uint64, args [6]uint64) Response {
	ruleSet, ok := s.rules[uintptr(nr)]
	if !ok || len(ruleSet) == 0 {
		return Allow
	}

	var a seccomp.Args
	for i := 0; i < 6 && i < len(a); i++ {
		a[i] = args[i]
	}

	for _, rule := range ruleSet {
		if rule.Match(a) {
			return Allow
		}
	}
	return Deny
}
