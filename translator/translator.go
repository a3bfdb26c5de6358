// Package translator drives the translation-unit loop: decode one guest
// instruction, dispatch it to its action, emit translated bytes, and
// decide when the TU ends.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package translator

import (
	"log/slog"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/action"
	"github.com/nebelwelt/fbt/decode"
)

// Cache is the minimal code-cache surface the translator needs: where the
// current TU's entry point is, and an Emitter to hand to actions.
type Cache interface {
	action.Emitter
	// Mark returns the cache address the next emitted byte will land at,
	// i.e. the TU's entry point if called before any emission this TU.
	Mark() fbt.CAddr
}

// actionTable maps decode.ActionID to the Fn that implements it.
var actionTable = map[decode.ActionID]action.Fn{
	decode.ActionNone:         action.None,
	decode.ActionCopy:         action.Copy,
	decode.ActionWarn:         action.Warn,
	decode.ActionFail:         action.Fail,
	decode.ActionBranch:       action.Branch,
	decode.ActionBranchAndLink: action.BranchAndLink,
	decode.ActionReturn:       action.Return,
	decode.ActionSysEnter:     action.SysEnter,
}

// Result summarizes one completed translation unit.
type Result struct {
	Entry       fbt.CAddr
	GuestStart  fbt.GAddr
	BytesEmitted int
	Verdict     action.Verdict
}

// State is the per-thread translator cursor: the TU currently being
// translated and where it will resume on the next call to Translate.
type State struct {
	Log        *slog.Logger
	Decoder    decode.Decoder
	Dispatcher action.Dispatcher

	// InlineReturn, while non-zero, marks that a call is being inlined
	// into its caller's TU; mapping.Table.Suppressed should mirror this
	// for the duration (the translator's caller is responsible for
	// toggling it, since only it owns the mapping table).
	InlineReturn fbt.GAddr
}

// New creates translator state driving decoder and routing closed TUs
// through dispatcher.
func New(log *slog.Logger, decoder decode.Decoder, dispatcher action.Dispatcher) *State {
	if log == nil {
		log = slog.Default()
	}
	return &State{Log: log, Decoder: decoder, Dispatcher: dispatcher}
}

// Translate produces one translation unit starting at guestStart, emitting
// into cache, and returns its result. It is the driver loop of spec.md
// §4.5: decode, dispatch to the instruction's action, and continue on
// Neutral or finalize on Close/CloseGlue.
func (s *State) Translate(cache Cache, guestStart fbt.GAddr) (Result, error) {
	entry := cache.Mark()
	cur := guestStart
	emitted := 0

	for {
		info, next, actionID, err := s.Decoder.Decode(cur)
		if err != nil {
			return Result{}, err
		}

		fn, ok := actionTable[actionID]
		if !ok {
			fbt.Fatal(s.Log, "translator: no action registered for %v", actionID)
		}

		before := cache.Mark()
		verdict := fn(s.Log, cache, s.Dispatcher, info)
		emitted += int(cache.Mark() - before)

		if verdict == action.Neutral {
			cur = next
			continue
		}

		return Result{
			Entry:        entry,
			GuestStart:   guestStart,
			BytesEmitted: emitted,
			Verdict:      verdict,
		}, nil
	}
}
