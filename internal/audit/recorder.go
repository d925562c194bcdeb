package audit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 1024

// Recorder decouples credential operations from the audit sinks. Record is
// fire-and-forget: it never blocks and never fails the originating
// operation. Events flow through a bounded in-memory queue drained by a
// single worker; when the queue is full the oldest buffered event is
// dropped rather than propagating backpressure upward.
type Recorder struct {
	log   *Log
	store *Store

	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

// NewRecorder starts a recorder draining into the chain log and, if
// non-nil, the sqlite index. buffer <= 0 uses the default.
func NewRecorder(log *Log, store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Recorder{
		log:   log,
		store: store,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record enqueues an event without blocking. On a full queue the oldest
// buffered event is evicted to make room.
func (r *Recorder) Record(e Event) {
	select {
	case <-r.done:
		return
	default:
	}

	for {
		select {
		case r.ch <- e:
			return
		default:
		}
		// Queue full: evict the oldest and retry once. If another producer
		// won the race for the freed slot, loop again.
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many events were evicted under sustained backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-r.done:
			// Flush whatever is still buffered, then exit.
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Event) {
	if r.log != nil {
		if err := r.log.Record(e); err != nil {
			fmt.Fprintf(os.Stderr, "audit: chain write failed: %v\n", err)
		}
	}
	if r.store != nil {
		if err := r.store.Insert(context.Background(), e); err != nil {
			fmt.Fprintf(os.Stderr, "audit: index write failed: %v\n", err)
		}
	}
}

// Close flushes buffered events and stops the drain worker. Safe to call
// more than once.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}
