// Command neptunestat reads a sequence of JSON-encoded heapstat.Snapshot
// records (one per line, as produced by polling neptune.GC's Snapshot
// method across a run) and emits a gnuplot script plotting live bytes,
// cumulative allocated bytes, and cumulative freed bytes across the
// sequence, in the style of cmd/gclab/stats's Plot in the teacher corpus.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/neptune-rt/neptune/internal/heapstat"
)

func main() {
	pngPath := flag.String("o", "neptunestat.png", "output PNG path for the gnuplot terminal")
	in := flag.String("i", "-", "input file of newline-delimited JSON Snapshot records, or - for stdin")
	flag.Parse()

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			log.Fatalf("neptunestat: %v", err)
		}
		defer f.Close()
		r = f
	}

	snaps, err := readSnapshots(r)
	if err != nil {
		log.Fatalf("neptunestat: %v", err)
	}
	if len(snaps) == 0 {
		log.Fatalf("neptunestat: no snapshots read")
	}

	plot(os.Stdout, *pngPath, snaps)
}

func readSnapshots(r io.Reader) ([]heapstat.Snapshot, error) {
	var out []heapstat.Snapshot
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var s heapstat.Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// plot emits a self-contained gnuplot script to w: three series (pool
// live bytes, cumulative allocated bytes, cumulative freed bytes) against
// sample index, each as an inline '-' data block terminated by "e",
// mirroring the teacher's Plot method's structure (terminal/output/label
// preamble, then one "plot '-' ..." per series).
func plot(w io.Writer, pngPath string, snaps []heapstat.Snapshot) {
	fmt.Fprintf(w, "set terminal pngcairo size 1200,600\n")
	fmt.Fprintf(w, "set output %q\n", pngPath)
	fmt.Fprintf(w, "set xlabel %q\n", "sample")
	fmt.Fprintf(w, "set ylabel %q\n", "bytes")
	fmt.Fprintf(w, "set key outside\n")

	fmt.Fprintf(w, "plot '-' title %q with lines, '-' title %q with lines, '-' title %q with lines\n",
		"pool_live_bytes", "allocd (cumulative)", "freed (cumulative)")

	for i, s := range snaps {
		fmt.Fprintf(w, "%d %d\n", i, s.PoolLiveBytes)
	}
	fmt.Fprintf(w, "e\n")

	for i, s := range snaps {
		fmt.Fprintf(w, "%d %d\n", i, s.Allocd+s.Bigalloc)
	}
	fmt.Fprintf(w, "e\n")

	for i, s := range snaps {
		fmt.Fprintf(w, "%d %d\n", i, s.Freed)
	}
	fmt.Fprintf(w, "e\n")

	fmt.Fprintf(w, "unset output\n")
	fmt.Fprintf(w, "reset\n")
}
