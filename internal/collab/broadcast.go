package collab

import "time"

// Subscriber is one client's view of a room's event stream. Events arrive
// in seq order on C. A subscriber that cannot keep up is closed; the client
// reconnects and backfills from its last-seen seq.
type Subscriber struct {
	ConnectionID string
	C            chan Event
}

func NewSubscriber(connectionID string, depth int) *Subscriber {
	if depth <= 0 {
		depth = 64
	}
	return &Subscriber{ConnectionID: connectionID, C: make(chan Event, depth)}
}

// caster assigns room-scoped sequence numbers and fans events out to
// subscribers, retaining a bounded ring for backfill. Owned by the room
// actor; not safe for concurrent use.
type caster struct {
	seq    uint64
	subs   map[string]*Subscriber
	ring   []Event
	depth  int
	window time.Duration
}

func newCaster(depth int, window time.Duration) *caster {
	if depth <= 0 {
		depth = 500
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &caster{
		subs:   make(map[string]*Subscriber),
		depth:  depth,
		window: window,
	}
}

func (c *caster) subscribe(s *Subscriber) {
	if old, ok := c.subs[s.ConnectionID]; ok && old != s {
		close(old.C)
	}
	c.subs[s.ConnectionID] = s
}

func (c *caster) unsubscribe(connectionID string) {
	if s, ok := c.subs[connectionID]; ok {
		delete(c.subs, connectionID)
		close(s.C)
	}
}

// publish stamps the event with the next sequence number, appends it to the
// ring, and delivers it to every subscriber. Slow subscribers are dropped
// rather than blocking the room.
func (c *caster) publish(e Event, now time.Time) Event {
	c.seq++
	e.Seq = c.seq
	e.At = now
	c.ring = append(c.ring, e)
	if len(c.ring) > c.depth {
		c.ring = c.ring[len(c.ring)-c.depth:]
	}
	for id, s := range c.subs {
		select {
		case s.C <- e:
		default:
			delete(c.subs, id)
			close(s.C)
		}
	}
	return e
}

// backfill returns the events after since that are still inside the ring and
// its time window. ok is false when the gap predates the retained range, in
// which case the caller serves a fresh presence snapshot instead of replay.
func (c *caster) backfill(since uint64, now time.Time) (events []Event, ok bool) {
	if since >= c.seq {
		return nil, true
	}
	cutoff := now.Add(-c.window)
	start := -1
	for i, e := range c.ring {
		if e.Seq == since+1 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	for _, e := range c.ring[start:] {
		if e.At.Before(cutoff) {
			return nil, false
		}
		events = append(events, e)
	}
	return events, true
}

func (c *caster) lastSeq() uint64 {
	return c.seq
}

func (c *caster) closeAll() {
	for id, s := range c.subs {
		delete(c.subs, id)
		close(s.C)
	}
}
