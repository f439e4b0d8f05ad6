package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
)

// Registry owns the in-memory lanes of one process. Every MemoryQueue with
// the same name and registry shares one lane.
type Registry struct {
	mu    sync.Mutex
	lanes map[string]*memLane
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{lanes: make(map[string]*memLane)}
}

// lane returns the named lane, creating it with maxSize on first use.
func (r *Registry) lane(name string, maxSize int) *memLane {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[name]
	if !ok {
		l = newMemLane(name, maxSize)
		r.lanes[name] = l
	}
	return l
}

// Lanes returns the names of every lane created so far.
func (r *Registry) Lanes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.lanes))
	for name := range r.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the queued count of a lane (0 if unknown).
func (r *Registry) Depth(name string) int {
	r.mu.Lock()
	l, ok := r.lanes[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return l.len()
}

// InFlight returns how many messages of a lane have been dequeued but not
// settled. After a canceled consumer these are orphans.
func (r *Registry) InFlight(name string) int {
	r.mu.Lock()
	l, ok := r.lanes[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return l.inFlight()
}

// Clear empties every lane in place and wakes their waiting consumers.
// Open MemoryQueue instances stay attached to their lanes.
func (r *Registry) Clear() {
	r.mu.Lock()
	lanes := make([]*memLane, 0, len(r.lanes))
	for _, l := range r.lanes {
		lanes = append(lanes, l)
	}
	r.mu.Unlock()
	for _, l := range lanes {
		l.reset()
	}
}

// memLane is a bounded priority heap plus the side table that holds every
// message from publish until ack or nack. Records are keyed by push
// sequence, so two copies of one message id never overwrite each other.
type memLane struct {
	name    string
	maxSize int

	mu       sync.Mutex
	items    itemHeap
	store    map[uint64]envelope.Envelope
	inflight map[string][]uint64 // message id -> dequeued, unsettled pushes
	seq      uint64
	ready    chan struct{} // closed and replaced on every push
}

func newMemLane(name string, maxSize int) *memLane {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &memLane{
		name:     name,
		maxSize:  maxSize,
		store:    make(map[uint64]envelope.Envelope),
		inflight: make(map[string][]uint64),
		ready:    make(chan struct{}),
	}
}

func (l *memLane) push(env envelope.Envelope, priority int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.maxSize {
		return errors.Capacity(l.name, l.maxSize)
	}
	l.seq++
	l.store[l.seq] = env
	heap.Push(&l.items, heapItem{rank: rankOf(priority), seq: l.seq, id: env.Header.MessageID})
	l.signal()
	return nil
}

// signal must be called with mu held.
func (l *memLane) signal() {
	close(l.ready)
	l.ready = make(chan struct{})
}

func (l *memLane) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signal()
}

func (l *memLane) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.store = make(map[uint64]envelope.Envelope)
	l.inflight = make(map[string][]uint64)
	l.signal()
}

// pop waits up to wait for the highest-priority message and marks it in
// flight. Entries whose record is gone (acked while still queued) are
// skipped.
func (l *memLane) pop(ctx context.Context, wait time.Duration, stop func() bool) (envelope.Envelope, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		for len(l.items) > 0 {
			it := heap.Pop(&l.items).(heapItem)
			if env, ok := l.store[it.seq]; ok {
				l.inflight[it.id] = append(l.inflight[it.id], it.seq)
				l.mu.Unlock()
				return env.Clone(), true
			}
		}
		ready := l.ready
		l.mu.Unlock()

		if stop() {
			return envelope.Envelope{}, false
		}
		select {
		case <-ready:
		case <-timer.C:
			return envelope.Envelope{}, false
		case <-ctx.Done():
			return envelope.Envelope{}, false
		}
	}
}

// settle removes the record of id: the oldest dequeued copy if any,
// otherwise a still-queued one.
func (l *memLane) settle(id string) (envelope.Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seqs := l.inflight[id]; len(seqs) > 0 {
		seq := seqs[0]
		if len(seqs) == 1 {
			delete(l.inflight, id)
		} else {
			l.inflight[id] = seqs[1:]
		}
		env, ok := l.store[seq]
		delete(l.store, seq)
		return env, ok
	}
	for _, it := range l.items {
		if it.id != id {
			continue
		}
		if env, ok := l.store[it.seq]; ok {
			delete(l.store, it.seq)
			return env, true
		}
	}
	return envelope.Envelope{}, false
}

func (l *memLane) ack(id string) bool {
	_, ok := l.settle(id)
	return ok
}

// take removes and returns the record for a nack.
func (l *memLane) take(id string) (envelope.Envelope, bool) {
	return l.settle(id)
}

// len counts queued records; entries acked while queued are not counted.
func (l *memLane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, it := range l.items {
		if _, ok := l.store[it.seq]; ok {
			n++
		}
	}
	return n
}

func (l *memLane) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, seqs := range l.inflight {
		n += len(seqs)
	}
	return n
}

// snapshot returns the queued envelopes in delivery order without removing them.
func (l *memLane) snapshot() []envelope.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make(itemHeap, len(l.items))
	copy(items, l.items)
	sort.Slice(items, func(i, j int) bool { return items.Less(i, j) })
	out := make([]envelope.Envelope, 0, len(items))
	for _, it := range items {
		if env, ok := l.store[it.seq]; ok {
			out = append(out, env.Clone())
		}
	}
	return out
}

// Messages returns copies of the queued envelopes of a lane in delivery order.
func (r *Registry) Messages(name string) []envelope.Envelope {
	r.mu.Lock()
	l, ok := r.lanes[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return l.snapshot()
}
