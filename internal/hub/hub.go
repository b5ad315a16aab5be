// Package hub fans out session events to realtime-transport subscribers.
// It buffers the last eventBufferCap events per session so a reconnecting
// subscriber receives catchup events before live delivery.
package hub

import "sync"

const eventBufferCap = 256

// EventType classifies a session event.
type EventType string

const (
	EventQuestion          EventType = "question"
	EventReveal            EventType = "reveal"
	EventLeaderboard       EventType = "leaderboard"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventSessionEnded      EventType = "session_ended"
	EventDegraded          EventType = "degraded"
)

// Event is one broadcast to a session's subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
}

// session holds the fan-out state for one quiz session.
type session struct {
	buf     []Event // circular buffer
	pos     int     // next write position
	count   int     // total events published (may exceed cap)
	clients map[chan Event]struct{}
	done    bool
}

// events returns the buffered events in order from oldest to newest.
func (s *session) events() []Event {
	n := len(s.buf)
	if n == 0 || s.pos == 0 {
		// Empty, partially filled, or pos just wrapped to 0. In all three
		// cases buf[:n] is already in order.
		return s.buf
	}
	// Buffer has wrapped: pos points to the oldest entry.
	out := make([]Event, n)
	copy(out, s.buf[s.pos:])
	copy(out[n-s.pos:], s.buf[:s.pos])
	return out
}

// append adds an event to the circular buffer. O(1) regardless of size.
func (s *session) append(e Event) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, e)
	} else {
		s.buf[s.pos] = e
	}
	s.pos = (s.pos + 1) % cap(s.buf)
	s.count++
}

// Hub fans out session events to multiple subscribers.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{
		sessions: make(map[string]*session),
	}
}

// getOrCreate returns the session for id, creating it if needed.
// Caller must hold h.mu.
func (h *Hub) getOrCreate(id string) *session {
	s, ok := h.sessions[id]
	if !ok {
		s = &session{
			buf:     make([]Event, 0, eventBufferCap),
			clients: make(map[chan Event]struct{}),
		}
		h.sessions[id] = s
	}
	return s
}

// Publish sends an event to all current subscribers of the session and
// appends it to the session buffer (up to eventBufferCap events).
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(e.SessionID)
	if s.done {
		return
	}

	s.append(e)

	// Fan out to all connected clients. Non-blocking send so a slow
	// consumer cannot stall publishing.
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives future events for the session
// and an unsubscribe function. Buffered events are sent immediately on the
// returned channel. If the session is already done, the buffered events are
// sent and the channel is closed.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(sessionID)

	// Buffer enough for catchup + some live headroom.
	ch := make(chan Event, eventBufferCap+64)

	// Replay buffered history.
	for _, e := range s.events() {
		ch <- e
	}

	if s.done {
		close(ch)
		return ch, func() {}
	}

	s.clients[ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(s.clients, ch)
	}

	return ch, unsubscribe
}

// Close marks the session as done and closes all subscriber channels.
// Subsequent Publish calls for this session are no-ops. New subscribers
// will receive the full buffer and a closed channel.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	s.done = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = nil
}

// Remove deletes a session entirely, freeing its buffer memory.
// Any remaining subscribers are closed first.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	// Close any remaining subscribers.
	for ch := range s.clients {
		close(ch)
	}
	delete(h.sessions, sessionID)
}

// IsActive returns true if the session exists and has not been closed.
func (h *Hub) IsActive(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	return !s.done
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.clients)
}
