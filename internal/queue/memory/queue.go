// Package memory provides an in-process tube for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/redirect-resolver/internal/clock/system"
	"github.com/JakeFAU/redirect-resolver/internal/id/uuid"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// DefaultLease is how long a taken task may stay unfinished before it is
// handed out again.
const DefaultLease = 5 * time.Minute

type entry struct {
	id       string
	data     map[string]any
	priority int
	readyAt  time.Time
	seq      uint64
	takenAt  time.Time
	attempt  int
}

// Tube is a priority-ordered in-memory tube with context-aware take.
// Lower priority values are served first, FIFO within a priority. A task
// taken but not finished within the lease returns to the ready list; only the
// latest lease may then ack or bury it.
type Tube struct {
	name  string
	clock Clock
	ids   IDGenerator
	lease time.Duration

	mu     sync.Mutex
	ready  []*entry
	taken  map[string]*entry
	buried map[string]*entry
	seq    uint64
	notify chan struct{}
	closed bool
}

// Option customizes a Tube.
type Option func(*Tube)

// WithClock overrides the clock used for delayed puts.
func WithClock(c Clock) Option {
	return func(t *Tube) { t.clock = c }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Tube) { t.ids = g }
}

// WithLease overrides the lease after which unfinished tasks are redelivered.
func WithLease(d time.Duration) Option {
	return func(t *Tube) {
		if d > 0 {
			t.lease = d
		}
	}
}

// NewTube constructs an empty tube.
func NewTube(name string, opts ...Option) *Tube {
	t := &Tube{
		name:   name,
		clock:  system.New(),
		ids:    uuid.NewUUIDGenerator(),
		lease:  DefaultLease,
		taken:  make(map[string]*entry),
		buried: make(map[string]*entry),
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tube name.
func (t *Tube) Name() string {
	return t.name
}

// Put enqueues a copy of data.
func (t *Tube) Put(_ context.Context, data map[string]any, opts queue.PutOptions) (string, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("put: %w", queue.ErrClosed)
	}
	t.seq++
	t.insertReady(&entry{
		id:       id,
		data:     copyData(data),
		priority: opts.Priority,
		readyAt:  t.clock.Now().Add(opts.Delay),
		seq:      t.seq,
	})
	t.wake()
	return id, nil
}

// Take leases the next ready task, waiting up to timeout.
func (t *Tube) Take(ctx context.Context, timeout time.Duration) (*queue.Task, error) {
	deadline := t.clock.Now().Add(timeout)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("take: %w", queue.ErrClosed)
		}
		now := t.clock.Now()
		t.reclaimExpired(now)
		if e, idx := t.nextReady(now); e != nil {
			t.ready = append(t.ready[:idx], t.ready[idx+1:]...)
			e.takenAt = now
			e.attempt++
			t.taken[e.id] = e
			t.mu.Unlock()
			return queue.NewTask(e.id, t.name, copyData(e.data), e.priority, lease{tube: t, attempt: e.attempt}), nil
		}
		wait := deadline.Sub(now)
		if wait <= 0 {
			t.mu.Unlock()
			return nil, nil
		}
		if next, ok := t.earliestDelayed(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		if next, ok := t.earliestExpiry(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		notify := t.notify
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("take canceled: %w", ctx.Err())
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes a taken task regardless of which lease holds it.
func (t *Tube) Ack(_ context.Context, id string) error {
	return t.finish(id, 0, false)
}

// Bury moves a taken task to the buried set regardless of which lease holds it.
func (t *Tube) Bury(_ context.Context, id string) error {
	return t.finish(id, 0, true)
}

// finish terminates the lease of id. A non-zero attempt must match the
// current lease.
func (t *Tube) finish(id string, attempt int, bury bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.taken[id]
	if !ok || (attempt != 0 && e.attempt != attempt) {
		return queue.ErrTaskNotTaken
	}
	delete(t.taken, id)
	if bury {
		t.buried[id] = e
	}
	return nil
}

// lease binds a Task to the take that produced it.
type lease struct {
	tube    *Tube
	attempt int
}

func (l lease) Ack(_ context.Context, id string) error {
	return l.tube.finish(id, l.attempt, false)
}

func (l lease) Bury(_ context.Context, id string) error {
	return l.tube.finish(id, l.attempt, true)
}

// Close wakes blocked takers and rejects further operations. Closing twice is safe.
func (t *Tube) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.notify)
	return nil
}

// Stats reports the number of ready, taken and buried tasks. Expired leases
// count as ready.
func (t *Tube) Stats() (ready, taken, buried int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reclaimExpired(t.clock.Now())
	return len(t.ready), len(t.taken), len(t.buried)
}

// Buried returns copies of the buried payloads.
func (t *Tube) Buried() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.buried))
	for _, e := range t.buried {
		out = append(out, copyData(e.data))
	}
	return out
}

// reclaimExpired must be called with mu held.
func (t *Tube) reclaimExpired(now time.Time) {
	for id, e := range t.taken {
		if now.Sub(e.takenAt) >= t.lease {
			delete(t.taken, id)
			e.readyAt = now
			t.insertReady(e)
		}
	}
}

func (t *Tube) earliestExpiry() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, e := range t.taken {
		expiry := e.takenAt.Add(t.lease)
		if !found || expiry.Before(earliest) {
			earliest = expiry
			found = true
		}
	}
	return earliest, found
}

// insertReady must be called with mu held.
func (t *Tube) insertReady(e *entry) {
	t.ready = append(t.ready, e)
	sort.SliceStable(t.ready, func(i, j int) bool {
		if t.ready[i].priority != t.ready[j].priority {
			return t.ready[i].priority < t.ready[j].priority
		}
		return t.ready[i].seq < t.ready[j].seq
	})
}

func (t *Tube) nextReady(now time.Time) (*entry, int) {
	for i, e := range t.ready {
		if !e.readyAt.After(now) {
			return e, i
		}
	}
	return nil, -1
}

func (t *Tube) earliestDelayed() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, e := range t.ready {
		if !found || e.readyAt.Before(earliest) {
			earliest = e.readyAt
			found = true
		}
	}
	return earliest, found
}

// wake must be called with mu held.
func (t *Tube) wake() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
