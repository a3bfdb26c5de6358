// Package stats implements the optional "statistics counters" feature of
// spec.md §6: live counters for mapping-table occupancy, code-cache
// high-water mark, and trampoline-pool usage, fed by tld on every
// Translate/Flush/CreateTrampoline call when tld.Features.Statistics is
// set. Counters and Serve are always compiled so callers can report them
// unconditionally; only the debugcharts mount (debugcharts.go) requires
// the statistics build tag.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package stats

import (
	"expvar"
	"log/slog"
	"net/http"
)

// Counters are the live gauges this package exposes. All fields are safe
// for concurrent use (expvar.Int is atomic).
type Counters struct {
	MappingEntries   expvar.Int
	CodeCacheBytes   expvar.Int
	TrampolinesInUse expvar.Int
	Flushes          expvar.Int
}

// Global is the process-wide counters instance. One TLD's stats feed it;
// in a multi-TLD process the counters are a coarse aggregate, not
// per-thread, matching the "statistics counters" flag's original scope (a
// single aggregate report, not per-TU accounting).
var Global Counters

// Serve exposes this package's counters at /debug/vars (stdlib expvar,
// which Global's fields publish to automatically), and debugcharts' live
// charts at /debug/charts/ when built with the statistics tag, on addr.
// It returns once the listener is closed or fails; callers run it in its
// own goroutine.
func Serve(log *slog.Logger, addr string) error {
	if log == nil {
		log = slog.Default()
	}
	log.Info("stats server listening", "addr", addr)

	return http.ListenAndServe(addr, http.DefaultServeMux)
}

func init() {
	expvar.Publish("fbt_mapping_entries", &Global.MappingEntries)
	expvar.Publish("fbt_code_cache_bytes", &Global.CodeCacheBytes)
	expvar.Publish("fbt_trampolines_in_use", &Global.TrampolinesInUse)
	expvar.Publish("fbt_flushes", &Global.Flushes)
}
