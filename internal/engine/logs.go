package engine

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
)

// logHub fans engine log lines out to subscribers.
type logHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]LogFunc
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[int]LogFunc)}
}

func (h *logHub) subscribe(fn LogFunc) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *logHub) emit(line string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.subs {
		fn(line)
	}
}

// scanLogLines is a bufio.SplitFunc that splits on '\n' and on the bare '\r'
// ffmpeg uses to redraw its progress line. Empty lines are skipped.
func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\n' || data[start] == '\r') {
		start++
	}
	if atEOF && start == len(data) {
		return len(data), nil, nil
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	// Request more data.
	return start, nil, nil
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	n     int
	lines []string
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}

var _ bufio.SplitFunc = scanLogLines
