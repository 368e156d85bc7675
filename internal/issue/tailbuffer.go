// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"
	"sync"
)

// maxPartialBytes bounds the unterminated line; only its end is kept.
const maxPartialBytes = 8 * 1024

// TailBuffer is an io.Writer that keeps only the last N complete lines
// written to it, plus any unterminated final line. It is safe for
// concurrent use, so one buffer can collect both stdout and stderr of a child.
type TailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

// NewTailBuffer returns a buffer retaining at most n lines. n <= 0 means DefaultTailLines.
func NewTailBuffer(n int) *TailBuffer {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &TailBuffer{max: n}
}

// Write implements io.Writer. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := string(p)
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			b.partial.WriteString(s)
			b.trimPartial()
			break
		}
		b.partial.WriteString(s[:i])
		b.push(strings.TrimSuffix(b.partial.String(), "\r"))
		b.partial.Reset()
		s = s[i+1:]
	}
	return len(p), nil
}

func (b *TailBuffer) trimPartial() {
	if b.partial.Len() <= maxPartialBytes {
		return
	}
	keep := b.partial.String()[b.partial.Len()-maxPartialBytes:]
	b.partial.Reset()
	b.partial.WriteString(keep)
}

func (b *TailBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Lines returns a copy of the retained lines, the unterminated one last.
func (b *TailBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines), len(b.lines)+1)
	copy(out, b.lines)
	if b.partial.Len() > 0 {
		out = append(out, b.partial.String())
		if len(out) > b.max {
			out = out[1:]
		}
	}
	return out
}

// String joins the retained lines with newlines.
func (b *TailBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
