//go:build statistics

// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package stats

// debugcharts registers its /debug/charts/ handler on http.DefaultServeMux
// as a side effect of being imported, exactly how the teacher's go.mod
// pulls it in for board-level diagnostics. Gated behind the statistics
// build tag per SPEC_FULL.md §2 ("mounts... when the statistics build tag
// is set"); Global and Serve remain available without the tag so tld can
// feed the counters unconditionally.
import _ "github.com/mkevac/debugcharts"
