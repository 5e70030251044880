package transport

import (
	"sync"
	"time"
)

// LogLine is one captured line of backend output.
type LogLine struct {
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Line   string    `json:"line"`
	Time   time.Time `json:"time"`
}

// logRing keeps the most recent backend output lines in memory. Old lines
// fall off the back; nothing is persisted.
type logRing struct {
	mu    sync.RWMutex
	lines []LogLine
	max   int
}

func newLogRing(max int) *logRing {
	if max <= 0 {
		max = DefaultLogLines
	}
	return &logRing{max: max}
}

func (r *logRing) append(stream, line string) {
	r.mu.Lock()
	r.lines = append(r.lines, LogLine{Stream: stream, Line: line, Time: time.Now()})
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
	r.mu.Unlock()
}

// tail returns up to limit of the newest lines, oldest first. A limit of
// zero or less returns everything retained.
func (r *logRing) tail(limit int) []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.lines)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogLine, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}
