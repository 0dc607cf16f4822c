package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/c360/docrelay/errors"
)

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
// A document with an unsettled job is not published twice.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   jobHeap
	seq     uint64
	pending map[int64]struct{}
	timers  map[*time.Timer]struct{}
	wake    chan struct{}
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending: make(map[int64]struct{}),
		timers:  make(map[*time.Timer]struct{}),
		wake:    make(chan struct{}),
	}
}

type memItem struct {
	job        *Job
	seq        uint64
	deliveries int
}

type jobHeap []*memItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*memItem)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Publish implements Broker
func (b *MemoryBroker) Publish(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "MemoryBroker", "Publish", "publish job")
	}
	if _, dup := b.pending[job.DocumentID]; dup {
		return nil
	}
	b.pending[job.DocumentID] = struct{}{}
	cp := *job
	b.pushLocked(&memItem{job: &cp})
	return nil
}

// pushLocked adds it to the ready heap and wakes fetchers
func (b *MemoryBroker) pushLocked(it *memItem) {
	b.seq++
	it.seq = b.seq
	heap.Push(&b.ready, it)
	close(b.wake)
	b.wake = make(chan struct{})
}

// Fetch implements Broker
func (b *MemoryBroker) Fetch(ctx context.Context) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errors.WrapFatal(errors.ErrShuttingDown, "MemoryBroker", "Fetch", "fetch job")
		}
		if b.ready.Len() > 0 {
			it := heap.Pop(&b.ready).(*memItem)
			it.deliveries++
			b.mu.Unlock()
			cp := *it.job
			return &memDelivery{b: b, it: it, job: &cp}, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Backlog implements Broker
func (b *MemoryBroker) Backlog(context.Context) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready.Len(), len(b.timers), nil
}

// Close stops pending retry timers and fails blocked fetchers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	close(b.wake)
	return nil
}

func (b *MemoryBroker) settle(it *memItem) {
	b.mu.Lock()
	delete(b.pending, it.job.DocumentID)
	b.mu.Unlock()
}

func (b *MemoryBroker) redeliver(it *memItem, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "MemoryBroker", "Retry", "schedule redelivery")
	}
	if delay <= 0 {
		b.pushLocked(it)
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		delete(b.timers, t)
		b.pushLocked(it)
	})
	b.timers[t] = struct{}{}
	return nil
}

type memDelivery struct {
	b       *MemoryBroker
	it      *memItem
	job     *Job
	settled bool
}

func (d *memDelivery) Job() *Job    { return d.job }
func (d *memDelivery) Attempt() int { return d.it.deliveries }

func (d *memDelivery) settle() error {
	if d.settled {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "MemoryBroker", "settle", "delivery already settled")
	}
	d.settled = true
	return nil
}

func (d *memDelivery) Ack(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.b.settle(d.it)
	return nil
}

func (d *memDelivery) Retry(_ context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.b.redeliver(d.it, delay)
}

func (d *memDelivery) Fail(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.b.settle(d.it)
	return nil
}

func (d *memDelivery) InProgress(context.Context) error { return nil }
