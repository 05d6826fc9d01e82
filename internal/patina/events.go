package patina

import (
	"sync"
	"time"
)

// EventKind classifies an Event.
type EventKind string

const (
	// EventStatus carries human-readable status text before or after a phase.
	EventStatus EventKind = "status"
	// EventProgress is emitted once per completed iteration.
	EventProgress EventKind = "progress"
	// EventLog forwards one engine log line.
	EventLog EventKind = "log"
	// EventCompleted is emitted when a run produced its output.
	EventCompleted EventKind = "completed"
	// EventFailed is emitted when a run or a load failed.
	EventFailed EventKind = "failed"
)

// Event is a status notification about a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Current   int       `json:"current,omitempty"`
	Total     int       `json:"total,omitempty"`
	Time      time.Time `json:"time"`
}

// Observer receives session events. Notify must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

// Hub is an Observer that fans events out to per-session subscribers.
// Slow subscribers lose events rather than stalling a run.
type Hub struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[chan Event]struct{}
}

// NewHub creates a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// Notify delivers e to every subscriber of e.SessionID.
func (h *Hub) Notify(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for sessionID and a cancel function.
// The channel is closed by cancel or by CloseSession.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sessionID][ch]; ok {
			delete(h.subs[sessionID], ch)
			close(ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
}

// CloseSession closes every subscription of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Subscribers returns the number of open subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// multiObserver notifies several observers in order.
type multiObserver []Observer

func (m multiObserver) Notify(e Event) {
	for _, o := range m {
		o.Notify(e)
	}
}
