package spool

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxLinesPerTick  = 200
	maxLineBytes     = 2 * 1024 * 1024
	bufferedReadSize = 64 * 1024
)

// discoverTranscriptFiles returns every "<stateDir>/agents/*/sessions/*.jsonl"
// path, skipping deleted/backup files, sorted for deterministic tick order.
func discoverTranscriptFiles(stateDir string) ([]string, error) {
	pattern := filepath.Join(stateDir, "agents", "*", "sessions", "*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.Contains(base, ".deleted.") || strings.Contains(base, ".bak.") {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// readNewLines reads up to maxLinesPerTick newline-terminated records from
// path starting at fromOffset, using a bounded buffered reader. Lines
// exceeding maxLineBytes are dropped but still advance the returned offset
// past them. Returns the lines read and the new offset.
func readNewLines(path string, fromOffset int64) (lines [][]byte, newOffset int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fromOffset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fromOffset, err
	}
	if fromOffset > info.Size() {
		// File was truncated/replaced; restart from the beginning.
		fromOffset = 0
	}
	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, err
	}

	reader := bufio.NewReaderSize(f, bufferedReadSize)
	offset := fromOffset
	count := 0

	for count < maxLinesPerTick {
		line, readErr := reader.ReadBytes('\n')
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		if complete {
			consumed := int64(len(line))
			trimmed := strings.TrimRight(string(line), "\n")
			if len(trimmed) > maxLineBytes {
				offset += consumed
				continue
			}
			if strings.TrimSpace(trimmed) != "" {
				lines = append(lines, []byte(trimmed))
				count++
			}
			offset += consumed
		}
		if readErr != nil {
			// An incomplete trailing line (no terminating newline yet) is left
			// unconsumed so the next tick can read it once it is completed.
			break
		}
	}

	return lines, offset, nil
}
