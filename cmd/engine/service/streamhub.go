package service

import (
	"sync"
	"time"

	"github.com/miniflow/engine/cmd/engine/models"
)

// Stream is the live log channel of one run. Publishing never blocks
// and never drops: events accumulate in an unbounded backlog until the
// streaming handler drains them.
type Stream struct {
	mu      sync.Mutex
	backlog []models.LogEvent
	notify  chan struct{}
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

// Publish appends an event to the stream.
func (s *Stream) Publish(ev models.LogEvent) {
	s.mu.Lock()
	s.backlog = append(s.backlog, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Receive returns the oldest pending event, waiting up to timeout for
// one to arrive. ok is false on timeout.
func (s *Stream) Receive(timeout time.Duration) (models.LogEvent, bool) {
	if ev, ok := s.pop(); ok {
		return ev, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.notify:
			if ev, ok := s.pop(); ok {
				return ev, true
			}
		case <-timer.C:
			return models.LogEvent{}, false
		}
	}
}

func (s *Stream) pop() (models.LogEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.backlog) == 0 {
		return models.LogEvent{}, false
	}
	ev := s.backlog[0]
	s.backlog = s.backlog[1:]
	return ev, true
}

// StreamHub tracks the live stream of every in-flight run. A stream's
// presence doubles as the run's liveness signal: removing it tells the
// scheduler the client has gone away.
type StreamHub struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamHub creates an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{streams: make(map[string]*Stream)}
}

// Open creates (or returns) the stream for a run.
func (h *StreamHub) Open(runID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[runID]; ok {
		return s
	}
	s := newStream()
	h.streams[runID] = s
	return s
}

// Get returns the run's stream if it is still open.
func (h *StreamHub) Get(runID string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[runID]
	return s, ok
}

// Exists reports whether the run's stream is still open.
func (h *StreamHub) Exists(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.streams[runID]
	return ok
}

// Remove drops the run's stream. Safe to call twice.
func (h *StreamHub) Remove(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, runID)
}
