//go:build linux

package imgreq

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
)

// readProcMemory is best-effort: ok is false when /proc is unavailable.
func readProcMemory() (m procMemory, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return m, false
	}
	rss, ok := parseStatmRSS(b, uint64(os.Getpagesize()))
	if !ok {
		return m, false
	}
	m.RSS = rss

	// smaps_rollup splits RSS so decoded-image growth (anon) can be told apart
	// from leveldb's file-backed mmaps. Older kernels lack it.
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return m, true
	}
	defer f.Close()
	return parseSmapsRollup(f, m), true
}

// parseStatmRSS reads the resident page count, the second statm field.
func parseStatmRSS(b []byte, pageSize uint64) (uint64, bool) {
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * pageSize, true
}

// parseSmapsRollup overrides m.RSS and fills the anon/file split from the
// kB lines of smaps_rollup. Unknown or malformed lines are skipped.
func parseSmapsRollup(r io.Reader, m procMemory) procMemory {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Anonymous":
			m.Anonymous = kb * 1024
		case "Rss":
			m.RSS = kb * 1024
		}
	}
	m.File = m.RSS - min(m.RSS, m.Anonymous)
	return m
}
