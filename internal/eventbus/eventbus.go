// Package eventbus multiplexes per-job event streams to zero or more
// subscribers, assigning each job a monotonic sequence number so
// subscribers can resume from the last sequence they saw.
package eventbus

import (
	"sync"
	"time"

	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// DefaultHighWaterMark is the default bound on a subscriber's event queue.
const DefaultHighWaterMark = 256

// Clock is the time source the bus stamps events with; overridable in tests.
type Clock func() time.Time

// Bus holds one ring of subscribers per job and the sequence counter that
// orders that job's events.
type Bus struct {
	mu            sync.Mutex
	jobs          map[string]*jobStream
	highWaterMark int
	now           Clock
}

type jobStream struct {
	sequence    uint64
	backlog     []domain.Event
	subscribers map[*Subscription]struct{}
}

// New constructs a Bus with the given per-subscriber queue bound. A
// highWaterMark <= 0 uses DefaultHighWaterMark.
func New(highWaterMark int) *Bus {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	return &Bus{
		jobs:          make(map[string]*jobStream),
		highWaterMark: highWaterMark,
		now:           time.Now,
	}
}

// Subscription is a live handle a caller drains via Events(); Lagged fires
// exactly once if the subscriber falls behind and is dropped.
type Subscription struct {
	bus    *Bus
	jobID  string
	events chan domain.Event
	lagged chan struct{}
	closed bool
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan domain.Event { return s.events }

// Lagged returns a channel that closes if this subscriber overflowed and
// was dropped; the subscriber should reconnect with the last seen sequence.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.detachLocked(s)
}

// Emit appends an event for jobID, assigning the next sequence number, and
// fans it out to every live subscriber. Overflowing subscribers are dropped
// with a terminal Lagged signal rather than blocking the emitter.
func (b *Bus) Emit(jobID string, kind domain.EventKind, payload map[string]interface{}) domain.Event {
	b.mu.Lock()
	js := b.jobStreamLocked(jobID)
	js.sequence++
	ev := domain.Event{
		JobID:     jobID,
		Sequence:  js.sequence,
		Kind:      kind,
		Timestamp: b.now(),
		Payload:   payload,
	}
	js.backlog = append(js.backlog, ev)

	var dropped []*Subscription
	for sub := range js.subscribers {
		select {
		case sub.events <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.detachLocked(sub)
		close(sub.lagged)
		logging.Get(logging.CategoryEventBus).Warn("subscriber dropped for job %s: queue full", jobID)
	}
	b.mu.Unlock()

	logging.Get(logging.CategoryEventBus).Debug("emit job=%s seq=%d kind=%s", jobID, ev.Sequence, kind)
	return ev
}

// Subscribe attaches a new subscriber to jobID, replaying every retained
// event with Sequence > sinceSequence before following new emissions.
func (b *Bus) Subscribe(jobID string, sinceSequence uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	js := b.jobStreamLocked(jobID)
	sub := &Subscription{
		bus:    b,
		jobID:  jobID,
		events: make(chan domain.Event, b.highWaterMark),
		lagged: make(chan struct{}),
	}
	for _, ev := range js.backlog {
		if ev.Sequence > sinceSequence {
			select {
			case sub.events <- ev:
			default:
				// Replay backlog already exceeds the queue bound; the
				// subscriber will receive Lagged on the very next Emit.
			}
		}
	}
	js.subscribers[sub] = struct{}{}
	return sub
}

// LastSequence returns the most recently assigned sequence for jobID, or 0
// if the job has never emitted.
func (b *Bus) LastSequence(jobID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	js, ok := b.jobs[jobID]
	if !ok {
		return 0
	}
	return js.sequence
}

// Forget drops all retained backlog for jobID and closes the event channel
// of each of its subscribers. After Forget the job's earlier events can no
// longer be replayed.
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for sub := range js.subscribers {
		close(sub.events)
	}
	delete(b.jobs, jobID)
}

func (b *Bus) jobStreamLocked(jobID string) *jobStream {
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{subscribers: make(map[*Subscription]struct{})}
		b.jobs[jobID] = js
	}
	return js
}

func (b *Bus) detachLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	js, ok := b.jobs[sub.jobID]
	if !ok {
		return
	}
	delete(js.subscribers, sub)
}
