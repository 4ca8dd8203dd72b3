package status

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultLogLines = 200

// RunLog collects the operator-facing log of one run, keeping the newest
// lines only.
type RunLog struct {
	mu    sync.Mutex
	lines []string
	max   int
	now   func() time.Time
}

func NewRunLog(max int) *RunLog {
	if max <= 0 {
		max = DefaultLogLines
	}
	return &RunLog{max: max, now: time.Now}
}

func (l *RunLog) Append(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Info("Import progress", "message", msg)

	line := l.now().UTC().Format("15:04:05") + " " + msg

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if over := len(l.lines) - l.max; over > 0 {
		l.lines = append(l.lines[:0], l.lines[over:]...)
	}
}

// Tail returns a copy of the retained lines, oldest first.
func (l *RunLog) Tail() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.lines...)
}

func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}
