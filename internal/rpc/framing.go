// Package rpc implements the line-delimited JSON-RPC dialect spoken by the
// codex app-server over stdio: newline framing, request id correlation, and
// classification of inbound frames.
package rpc

import (
	"fmt"
	"strings"
)

// MaxFrameSize bounds a single line; anything larger is a protocol error.
const MaxFrameSize = 16 << 20 // 16 MiB

// Framer splits an arbitrary byte stream into newline-terminated text
// frames. It tolerates chunk boundaries anywhere, skips blank lines, and
// retains the trailing unterminated fragment between calls to Feed.
type Framer struct {
	buf strings.Builder
}

// Feed appends chunk to the rolling buffer and returns every complete,
// trimmed, non-empty line it now contains.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	f.buf.Write(chunk)
	if f.buf.Len() > MaxFrameSize && !strings.Contains(f.buf.String(), "\n") {
		size := f.buf.Len()
		f.buf.Reset()
		return nil, fmt.Errorf("frame exceeds %d bytes (got %d)", MaxFrameSize, size)
	}

	data := f.buf.String()
	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil, nil
	}

	complete := data[:idx]
	rest := data[idx+1:]
	f.buf.Reset()
	f.buf.WriteString(rest)

	var lines []string
	for _, line := range strings.Split(complete, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > MaxFrameSize {
			return lines, fmt.Errorf("frame exceeds %d bytes (got %d)", MaxFrameSize, len(line))
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Pending returns the size of the retained unterminated fragment.
func (f *Framer) Pending() int {
	return f.buf.Len()
}

// Reset discards any retained fragment. Called on upstream EOF.
func (f *Framer) Reset() {
	f.buf.Reset()
}
