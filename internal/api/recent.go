package api

import (
	"sync"
	"time"

	"github.com/namikmesic/turnstream/internal/events"
	"github.com/rs/zerolog/log"
)

const (
	recentMaxRequests = 1024
	recentMaxEvents   = 4096
	// Finished requests stay replayable this long after their terminal event.
	recentFinishedTTL = time.Minute
	// Requests with no event and no reader for this long are forgotten.
	recentIdleTTL = 10 * time.Minute
)

// recentEvents retains the events of recent requests so a tail opened after
// POST /v1/chat/send still starts at seq 1. It is fed by one listener that
// lives as long as the Server.
type recentEvents struct {
	mu       sync.Mutex
	now      func() time.Time
	requests map[string]*recentRequest
}

type recentRequest struct {
	events    []events.Event
	done      bool
	truncated bool
	tails     int
	lastSeen  time.Time
	// changed is closed and replaced on every append.
	changed chan struct{}
}

func newRecentEvents() *recentEvents {
	return &recentEvents{now: time.Now, requests: make(map[string]*recentRequest)}
}

// entry returns the request's record, creating it if needed. Caller holds mu.
func (r *recentEvents) entry(requestID string) *recentRequest {
	rr := r.requests[requestID]
	if rr == nil {
		r.sweep()
		rr = &recentRequest{lastSeen: r.now(), changed: make(chan struct{})}
		r.requests[requestID] = rr
	}
	return rr
}

func (r *recentEvents) add(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rr := r.entry(ev.RequestID)
	if rr.done {
		return
	}
	rr.lastSeen = r.now()
	rr.done = ev.Terminal()
	if len(rr.events) >= recentMaxEvents && !rr.done {
		if !rr.truncated {
			rr.truncated = true
			log.Warn().
				Str("request_id", ev.RequestID).
				Int("limit", recentMaxEvents).
				Msg("replay buffer full, later events are only sent live")
		}
		return
	}
	rr.events = append(rr.events, ev)
	close(rr.changed)
	rr.changed = make(chan struct{})
}

// sweep forgets expired requests and, past the cap, the least recently seen
// ones. Requests with an open tail are kept. Caller holds mu.
func (r *recentEvents) sweep() {
	now := r.now()
	for id, rr := range r.requests {
		if rr.tails > 0 {
			continue
		}
		idle := now.Sub(rr.lastSeen)
		if (rr.done && idle > recentFinishedTTL) || idle > recentIdleTTL {
			delete(r.requests, id)
		}
	}
	for len(r.requests) >= recentMaxRequests {
		var oldest string
		var oldestSeen time.Time
		for id, rr := range r.requests {
			if rr.tails > 0 {
				continue
			}
			if oldest == "" || rr.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen = id, rr.lastSeen
			}
		}
		if oldest == "" {
			return
		}
		delete(r.requests, oldest)
	}
}

// open starts reading requestID from its first retained event. The request
// does not need to have published anything yet.
func (r *recentEvents) open(requestID string) *recentTail {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.entry(requestID)
	rr.tails++
	return &recentTail{buf: r, req: rr}
}

type recentTail struct {
	buf  *recentEvents
	req  *recentRequest
	next int
}

// read returns the events appended since the last read, whether the request
// has finished and a channel closed on the next append.
func (t *recentTail) read() ([]events.Event, bool, <-chan struct{}) {
	t.buf.mu.Lock()
	defer t.buf.mu.Unlock()
	evs := append([]events.Event(nil), t.req.events[t.next:]...)
	t.next = len(t.req.events)
	return evs, t.req.done, t.req.changed
}

func (t *recentTail) close() {
	t.buf.mu.Lock()
	defer t.buf.mu.Unlock()
	t.req.tails--
	t.req.lastSeen = t.buf.now()
}
