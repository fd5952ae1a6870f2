package agent

import (
	"bytes"
	"strings"
	"sync"
)

const defaultLogLines = 256

// LogBuffer keeps the most recent log lines in memory so the diagnostic
// loop can read them without touching disk. Plug it into zerolog with a
// MultiLevelWriter.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = defaultLogLines
	}
	return &LogBuffer{max: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		b.lines = append(b.lines, string(line))
	}
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
	return len(p), nil
}

// Tail returns the last n lines, oldest first.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

func (b *LogBuffer) String() string {
	return strings.Join(b.Tail(0), "\n")
}
