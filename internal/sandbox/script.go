package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// markerPrefix starts every progress line the job script prints.
const markerPrefix = "::healing:: "

// BuildScript renders steps then validations as one bash script that stops
// at the first failing command. Each command is preceded by a marker line
// so the failing command can be recovered from the logs.
func BuildScript(steps, validations []string) string {
	var b strings.Builder
	b.WriteString("set -eo pipefail\n")
	write := func(kind string, cmds []string) {
		for i, cmd := range cmds {
			fmt.Fprintf(&b, "echo '%s%s %d/%d'\n", markerPrefix, kind, i+1, len(cmds))
			b.WriteString(cmd)
			b.WriteString("\n")
		}
	}
	write("step", steps)
	write("validation", validations)
	fmt.Fprintf(&b, "echo '%sdone'\n", markerPrefix)
	return b.String()
}

// markerTracker remembers the last marker seen in a log stream.
type markerTracker struct {
	mu      sync.Mutex
	partial []byte
	last    string
}

func (t *markerTracker) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.scan(data[:i])
		data = data[i+1:]
	}
	// Markers are short; a long unterminated line cannot be one.
	if len(data) > 256 {
		data = data[:0]
	}
	t.partial = append(t.partial[:0], data...)
	return len(p), nil
}

func (t *markerTracker) scan(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if rest, ok := bytes.CutPrefix(line, []byte(markerPrefix)); ok {
		t.last = string(rest)
	}
}

// Last returns the label of the last marker, e.g. "validation 2/3".
func (t *markerTracker) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partial != nil {
		t.scan(t.partial)
	}
	return t.last
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 64 << 10
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - 2*b.limit; over > 0 {
		cut := len(b.buf) - b.limit
		b.dropped += int64(cut)
		b.buf = append(b.buf[:0], b.buf[cut:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.buf
	dropped := b.dropped
	if extra := len(data) - b.limit; extra > 0 {
		dropped += int64(extra)
		data = data[extra:]
	}
	if dropped == 0 {
		return string(data)
	}
	return fmt.Sprintf("[%d bytes truncated]\n%s", dropped, data)
}
