// Package bus implements C7: a per-session, multi-consumer live update
// channel. The local hub is grounded on internal/sse/hub.go's
// subscription-map/bounded-outbound-channel shape, generalized from a
// user-channel fan-out to a session-sequence fan-out with a snapshot
// replay buffer for late subscribers and a too-slow disconnect instead of
// a silent drop.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// Subscriber is one open subscription's delivery channel plus the signal
// the hub closes when it disconnects the subscriber for being too slow.
type Subscriber struct {
	Events <-chan domain.Event
	TooSlow <-chan struct{}

	events  chan domain.Event
	tooSlow chan struct{}
	id      uuid.UUID
}

// session is one session's subscriber set plus its replay buffer.
type session struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscriber
	history     []domain.Event // every event published so far, for late-subscriber replay
	nextSeq     int64
}

// Hub is the local, in-process fan-out of session events to subscribers.
type Hub struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	log        *logger.Logger
	queueDepth int
	forward    func(domain.Event) // optional: cross-process forwarder (Redis)
}

func NewHub(log *logger.Logger, queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Hub{
		sessions:   make(map[uuid.UUID]*session),
		log:        log.With("component", "bus.Hub"),
		queueDepth: queueDepth,
	}
}

// SetForwarder installs a callback invoked for every locally published
// event, used to mirror it onto a cross-process transport (internal/bus's
// Redis forwarder) so other processes' subscribers see it too.
func (h *Hub) SetForwarder(forward func(domain.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = forward
}

func (h *Hub) sessionFor(id uuid.UUID) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = &session{subscribers: make(map[uuid.UUID]*Subscriber)}
		h.sessions[id] = s
	}
	return s
}

// Publish assigns the next sequence number for the session and fans the
// event out to every open subscriber (and the cross-process forwarder, if
// any), enforcing causal order by construction: callers publish
// stage-completed(k) before stage-started(k+1) from the same goroutine
// (spec.md §4.7).
func (h *Hub) Publish(sessionID uuid.UUID, evt domain.Event) domain.Event {
	s := h.sessionFor(sessionID)

	s.mu.Lock()
	s.nextSeq++
	evt.SessionID = sessionID
	evt.Sequence = s.nextSeq
	s.history = append(s.history, evt)
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- evt:
		default:
			h.log.Warn("bus subscriber too slow, disconnecting", "sessionID", sessionID, "subscriberID", sub.id)
			h.disconnect(sessionID, sub.id)
		}
	}

	if forward := h.currentForwarder(); forward != nil {
		forward(evt)
	}
	return evt
}

func (h *Hub) currentForwarder() func(domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forward
}

// Subscribe opens a new subscription for a session, replaying its history
// snapshot first so a late subscriber sees every event published so far
// before any new one (spec.md §4.4's preview semantics rely on this for a
// subscriber that joins mid-stage).
func (h *Hub) Subscribe(sessionID uuid.UUID) *Subscriber {
	s := h.sessionFor(sessionID)

	sub := &Subscriber{
		id:      uuid.New(),
		events:  make(chan domain.Event, h.queueDepth),
		tooSlow: make(chan struct{}),
	}
	sub.Events = sub.events
	sub.TooSlow = sub.tooSlow

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range s.history {
		select {
		case sub.events <- evt:
		default:
			// replay buffer itself overflowed the subscriber's queue depth;
			// the subscriber will see a gap rather than block Subscribe.
		}
	}
	s.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe closes a subscription without signalling too-slow.
func (h *Hub) Unsubscribe(sessionID uuid.UUID, sub *Subscriber) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribers[sub.id]; !exists {
		return
	}
	delete(s.subscribers, sub.id)
	close(sub.events)
}

func (h *Hub) disconnect(sessionID uuid.UUID, subID uuid.UUID) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, exists := s.subscribers[subID]
	if !exists {
		return
	}
	delete(s.subscribers, subID)
	close(sub.tooSlow)
	close(sub.events)
}

// Ingest delivers an event received from the cross-process forwarder into
// this process's local subscribers, without re-forwarding it (avoids a
// publish loop between processes).
func (h *Hub) Ingest(evt domain.Event) {
	s := h.sessionFor(evt.SessionID)
	s.mu.Lock()
	s.history = append(s.history, evt)
	if evt.Sequence > s.nextSeq {
		s.nextSeq = evt.Sequence
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- evt:
		default:
			h.disconnect(evt.SessionID, sub.id)
		}
	}
}

// Close releases a session's history buffer and disconnects every
// subscriber, used once a session reaches a terminal state and its
// transport handlers have drained.
func (h *Hub) Close(sessionID uuid.UUID) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub.events)
	}
}
