package client

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/core/queue"
	"github.com/katzenpost/core/worker"
)

// ExpiryRecord is the persisted form of a scheduled expiry, so pending
// expiries survive a restart and are rehydrated by Expirer.Init.
type ExpiryRecord struct {
	Target string `json:"target"`
	Expiry int64  `json:"expiry"` // unix seconds
}

// Expirer schedules a callback to fire when a named target (a topic, a
// pending-request id, anything string-keyed) reaches its expiry. A
// worker.Worker goroutine blocks on whichever comes first of the
// queue's earliest deadline or a Signal on push, popping and firing
// callbacks via a container/heap-backed queue.PriorityQueue. Schedules
// are persisted so they survive a restart rather than firing once and
// vanishing.
type Expirer struct {
	worker.Worker

	store     Store[string, ExpiryRecord]
	onExpired func(target string)

	cond  *sync.Cond
	mutex sync.RWMutex
	queue *queue.PriorityQueue

	// deleted records targets removed (or rescheduled) after being
	// enqueued, so a stale heap entry is skipped rather than fired.
	deleted map[string]bool

	wakech chan struct{}
}

// NewExpirer constructs an Expirer backed by store. onExpired is
// invoked from the worker goroutine each time a target's expiry
// elapses; it must not block.
func NewExpirer(store Store[string, ExpiryRecord], onExpired func(target string)) *Expirer {
	return &Expirer{
		store:     store,
		onExpired: onExpired,
		queue:     queue.New(),
		deleted:   make(map[string]bool),
		cond:      sync.NewCond(new(sync.Mutex)),
	}
}

// Init loads the store and re-enqueues every persisted, unexpired
// target. Targets whose expiry has already elapsed are fired
// immediately, in Expiry order.
func (e *Expirer) Init(ctx context.Context) error {
	if err := e.store.Init(ctx); err != nil {
		return fmt.Errorf("init expirer store: %w", err)
	}
	records, err := e.store.Values(ctx)
	if err != nil {
		return fmt.Errorf("load expiry records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Expiry < records[j].Expiry })
	now := time.Now()
	var overdue []string
	e.mutex.Lock()
	for _, rec := range records {
		expiry := time.Unix(rec.Expiry, 0)
		if !expiry.After(now) {
			overdue = append(overdue, rec.Target)
			continue
		}
		e.queue.Enqueue(uint64(expiry.UnixNano()), rec.Target)
	}
	e.mutex.Unlock()
	for _, target := range overdue {
		e.fire(ctx, target)
	}
	return nil
}

// Start launches the background worker goroutine. Call once, after Init.
func (e *Expirer) Start() {
	e.Go(e.worker)
}

// Halt stops the background worker and waits for it to return.
func (e *Expirer) Halt() {
	e.Worker.Halt()
}

// Set schedules target to expire at expiry, persisting the schedule
// and waking the worker if expiry is sooner than whatever it is
// currently waiting on.
func (e *Expirer) Set(ctx context.Context, target string, expiry time.Time) error {
	if _, err := e.store.Update(ctx, target, func(current ExpiryRecord, existed bool) ExpiryRecord {
		return ExpiryRecord{Target: target, Expiry: expiry.Unix()}
	}); err != nil {
		return fmt.Errorf("persist expiry for %s: %w", target, err)
	}

	e.mutex.Lock()
	delete(e.deleted, target)
	e.queue.Enqueue(uint64(expiry.UnixNano()), target)
	e.mutex.Unlock()
	e.cond.Signal()
	return nil
}

// Has reports whether target has a scheduled, unexpired expiry.
func (e *Expirer) Has(ctx context.Context, target string) bool {
	_, err := e.store.Get(ctx, target)
	return err == nil
}

// Get returns target's scheduled expiry, or ErrNoMatchingKey if none
// is scheduled.
func (e *Expirer) Get(ctx context.Context, target string) (time.Time, error) {
	rec, err := e.store.Get(ctx, target)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(rec.Expiry, 0), nil
}

// Delete cancels target's scheduled expiry. Idempotent: deleting an
// unscheduled target is not an error. The stale heap entry, if any,
// is skipped lazily when the worker reaches it.
func (e *Expirer) Delete(ctx context.Context, target string) error {
	if err := e.store.Delete(ctx, target, "expiry cancelled"); err != nil {
		return err
	}
	e.mutex.Lock()
	e.deleted[target] = true
	e.mutex.Unlock()
	return nil
}

func (e *Expirer) fire(ctx context.Context, target string) {
	_ = e.store.Delete(ctx, target, "expired")
	if e.onExpired != nil {
		e.onExpired(target)
	}
}

// forward pops the earliest entry and, unless it was deleted or
// rescheduled out from under the heap, fires it.
func (e *Expirer) forward() {
	e.mutex.Lock()
	entry := heap.Pop(e.queue)
	e.mutex.Unlock()
	if entry == nil {
		return
	}
	qe := entry.(*queue.Entry)
	target := qe.Value.(string)

	e.mutex.Lock()
	stale := e.deleted[target]
	if stale {
		delete(e.deleted, target)
	}
	e.mutex.Unlock()
	if stale {
		return
	}
	// An entry superseded by a later Set no longer matches the persisted
	// schedule and is skipped.
	ctx := context.Background()
	rec, err := e.store.Get(ctx, target)
	if err != nil || rec.Expiry != int64(qe.Priority)/int64(time.Second) {
		return
	}
	e.fire(ctx, target)
}

// wakeupCh returns a channel that fires whenever cond.Signal is
// called (on Set), so the worker can re-evaluate its timer instead of
// sleeping until a deadline that Set just moved earlier.
func (e *Expirer) wakeupCh() chan struct{} {
	if e.wakech != nil {
		return e.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			select {
			case <-e.HaltCh():
				return
			default:
			}
			e.cond.L.Lock()
			e.cond.Wait()
			e.cond.L.Unlock()
			select {
			case <-e.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	e.wakech = c
	return c
}

func (e *Expirer) worker() {
	for {
		var c <-chan time.Time
		e.mutex.Lock()
		if m := e.queue.Peek(); m != nil {
			timeLeft := int64(m.Priority) - time.Now().UnixNano()
			if timeLeft < 0 {
				e.mutex.Unlock()
				e.forward()
				continue
			}
			c = time.After(time.Duration(timeLeft))
		}
		e.mutex.Unlock()
		select {
		case <-e.HaltCh():
			e.cond.Signal()
			return
		case <-c:
			e.forward()
		case <-e.wakeupCh():
		}
	}
}
