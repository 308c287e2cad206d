package worker

import (
	"bytes"
	"strings"
	"sync"
)

// outputTail collects collaborator output (stdout+stderr combined) and keeps
// only the last limit lines, so a chatty check run can't bloat the event it
// ends up attached to. Safe for concurrent writes. A zero limit disables
// collection.
type outputTail struct {
	limit int

	mu    sync.Mutex
	lines []string
}

func newOutputTail(limit int) *outputTail {
	return &outputTail{limit: limit}
}

// Write satisfies io.Writer. Blank lines are not retained.
func (o *outputTail) Write(p []byte) (int, error) {
	if o.limit == 0 {
		return len(p), nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		o.lines = append(o.lines, string(line))
	}
	if over := len(o.lines) - o.limit; over > 0 {
		o.lines = append(o.lines[:0], o.lines[over:]...)
	}
	return len(p), nil
}

// String returns the retained tail as newline-joined text
func (o *outputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}
