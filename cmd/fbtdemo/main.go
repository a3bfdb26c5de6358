// The fbtdemo command exercises one translation unit end to end: it
// bootstraps a TLD over a tiny built-in guest image, translates from the
// image's entry point, and prints the resulting mapping-table entry and
// emitted byte count.
//
// https://github.com/nebelwelt/fbt
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nebelwelt/fbt"
	"github.com/nebelwelt/fbt/decode/refdecoder"
	"github.com/nebelwelt/fbt/stats"
	"github.com/nebelwelt/fbt/tld"
)

func main() {
	var (
		verbose  = flag.Bool("v", false, "enable debug logging")
		statsAddr = flag.String("stats", "", "if set, serve live counters at this address (e.g. :6060)")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	features := tld.Features{Statistics: *statsAddr != ""}
	if features.Statistics {
		go func() {
			if err := stats.Serve(log, *statsAddr); err != nil {
				log.Error("stats server exited", "err", err)
			}
		}()
	}

	if err := run(log, features); err != nil {
		log.Error("fbtdemo", "err", err)
		os.Exit(1)
	}
}

// image holds three instructions: ADD, MOV, then a software interrupt,
// which closes the translation unit per the action_copy contract.
func image() (base fbt.GAddr, bytes []byte) {
	base = fbt.GAddr(0x10000)
	words := []uint32{
		refdecoder.Encode(refdecoder.OpADD, 0),
		refdecoder.Encode(refdecoder.OpMOV, 0),
		refdecoder.Encode(refdecoder.OpSWI, 0),
	}
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		buf[4*i+0] = byte(w)
		buf[4*i+1] = byte(w >> 8)
		buf[4*i+2] = byte(w >> 16)
		buf[4*i+3] = byte(w >> 24)
	}
	return base, buf
}

func run(log *slog.Logger, features tld.Features) error {
	base, img := image()
	decoder := refdecoder.New(base, img)

	dispatch := tld.DispatchAddrs{
		Unmanaged: 0x1000,
		Ret2App_:  0x1010,
		IJump:     0x1020,
		ICall:     0x1030,
		Ret_:      0x1040,
	}

	// commitStubGuest is a well-known guest address reserved for the
	// commit/end-transaction stub; it never collides with the demo image
	// since it sits far outside it.
	const commitStubGuest fbt.GAddr = 0x7fff0000

	t, err := tld.New(log, decoder, dispatch, features, commitStubGuest)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer t.Close()

	res, err := t.Translate(base)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}

	entry, ok := t.Mapping().Find(base)
	if !ok {
		return fmt.Errorf("translated entry for %s not found in mapping table", base)
	}

	fmt.Printf("guest=%s cache=%s bytes=%d verdict=%s mapping_len=%d\n",
		base, entry, res.BytesEmitted, res.Verdict, t.Mapping().Len())
	return nil
}
