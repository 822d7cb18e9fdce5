// Package queue implements a bounded, single- or multi-producer,
// multi-consumer FIFO queue with explicit Open/Shutdown/Closed lifecycle
// semantics. It backs the relay listener's accepted-stream hand-off: the
// control-channel read pump and the rendezvous engine enqueue items
// concurrently while the application dequeues them one at a time via
// Listener.AcceptConnection.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Dequeue when ctx is done before an item
// becomes available, distinct from the nil/"closed" result.
var ErrCancelled = errors.New("queue: dequeue cancelled")

type state int

const (
	stateOpen state = iota
	stateShutdown
	stateClosed
)

// item is the internal unit of storage: either a value or an error, plus an
// optional callback fired exactly once when the item leaves the queue
// (delivered to a reader, or disposed at shutdown/close).
type item[T any] struct {
	value     T
	err       error
	onDequeue func()
}

// waiter is a single blocked Dequeue/WaitForItem call.
type waiter[T any] struct {
	ch chan item[T]
}

// ringBuffer is a power-of-two ring buffer that doubles on fill, used for
// available (dequeue-able) items (spec invariant ii).
type ringBuffer[T any] struct {
	buf        []item[T]
	head, tail int
	count      int
}

func newRingBuffer[T any]() *ringBuffer[T] {
	return &ringBuffer[T]{buf: make([]item[T], 2)}
}

func (r *ringBuffer[T]) len() int { return r.count }

func (r *ringBuffer[T]) push(it item[T]) {
	if r.count == len(r.buf) {
		r.grow()
	}
	r.buf[r.tail] = it
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
}

func (r *ringBuffer[T]) pop() (item[T], bool) {
	if r.count == 0 {
		var zero item[T]
		return zero, false
	}
	it := r.buf[r.head]
	var zero item[T]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return it, true
}

func (r *ringBuffer[T]) grow() {
	newBuf := make([]item[T], len(r.buf)*2)
	for i := 0; i < r.count; i++ {
		newBuf[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = newBuf
	r.head = 0
	r.tail = r.count
}

// BoundedAsyncQueue is a FIFO queue of T with Open/Shutdown/Closed states.
// The zero value is not usable; construct with New.
type BoundedAsyncQueue[T any] struct {
	mu           sync.Mutex
	state        state
	available    *ringBuffer[T]
	pending      []item[T]
	waiters      []*waiter[T]
	pendingError error
	itemDisposer func(T)
}

// New constructs an open queue. itemDisposer, if non-nil, is invoked with
// the value of any item (never an error item) that is discarded without
// ever reaching a reader — at Close, and on enqueue after Shutdown/Close.
func New[T any](itemDisposer func(T)) *BoundedAsyncQueue[T] {
	return &BoundedAsyncQueue[T]{
		state:        stateOpen,
		available:    newRingBuffer[T](),
		itemDisposer: itemDisposer,
	}
}

// EnqueueAndDispatch accepts a value or an error (mutually exclusive — pass
// a zero value with a non-nil err for an error item). If the queue is Open
// and a reader is already waiting, that reader is completed immediately
// with this item; otherwise the item is stored as available. If the queue
// is not Open, the item is disposed instead (synchronously if Closed,
// off a new goroutine if Shutdown — spec §4.1 "Errors").
func (q *BoundedAsyncQueue[T]) EnqueueAndDispatch(value T, err error, onDequeue func()) {
	it := item[T]{value: value, err: err, onDequeue: onDequeue}
	q.mu.Lock()
	switch q.state {
	case stateClosed:
		q.mu.Unlock()
		q.disposeInline(it)
		return
	case stateShutdown:
		q.mu.Unlock()
		q.disposeAsync(it)
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w.ch <- it
		return
	}
	q.available.push(it)
	q.mu.Unlock()
}

// EnqueueWithoutDispatch buffers value/err as pending (not yet visible to
// any reader) and reports whether a later Dispatch call is required to
// promote it. Subject to the same Shutdown/Closed disposal rules as
// EnqueueAndDispatch, in which case it returns false.
func (q *BoundedAsyncQueue[T]) EnqueueWithoutDispatch(value T, err error, onDequeue func()) bool {
	it := item[T]{value: value, err: err, onDequeue: onDequeue}
	q.mu.Lock()
	switch q.state {
	case stateClosed:
		q.mu.Unlock()
		q.disposeInline(it)
		return false
	case stateShutdown:
		q.mu.Unlock()
		q.disposeAsync(it)
		return false
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	return true
}

// Dispatch promotes the oldest pending item to available, delivering it
// directly to a waiting reader if one exists. A no-op if there is no
// pending item. If the queue has since been Closed, the item is disposed
// instead of promoted, since nothing will ever read it.
func (q *BoundedAsyncQueue[T]) Dispatch() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	it := q.pending[0]
	q.pending = q.pending[1:]

	if q.state == stateClosed {
		q.mu.Unlock()
		q.disposeInline(it)
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w.ch <- it
		return
	}
	q.available.push(it)
	q.mu.Unlock()
}

// Dequeue returns the oldest available item. If none is available and the
// queue is Open, it blocks until one arrives or ctx is done, in which case
// it returns ErrCancelled. If the queue has been Shutdown with no items
// left, it returns immediately with the shutdown's pendingError (nil if
// none was given). If Closed, it returns the zero value and a nil error.
func (q *BoundedAsyncQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if it, ok := q.available.pop(); ok {
		q.mu.Unlock()
		return q.deliver(it)
	}
	switch q.state {
	case stateClosed:
		q.mu.Unlock()
		return zero, nil
	case stateShutdown:
		err := q.pendingError
		q.mu.Unlock()
		return zero, err
	}

	w := &waiter[T]{ch: make(chan item[T], 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case it := <-w.ch:
		return q.deliver(it)
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiter(w)
		q.mu.Unlock()
		if removed {
			return zero, ErrCancelled
		}
		// Lost the race: a dispatcher already claimed this waiter and is
		// sending (or has sent) its item. Redeliver it to the next reader
		// instead of dropping it, then report cancellation to this caller.
		it := <-w.ch
		q.redeliver(it)
		return zero, ErrCancelled
	}
}

// Len reports the number of items currently available to a reader (not
// counting items still pending a Dispatch call). Useful for metrics and
// diagnostics only; callers must not use it to decide whether Dequeue will
// block, since it is stale the instant the lock is released.
func (q *BoundedAsyncQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.available.len()
}

// WaitForItem completes true as soon as an item is available, false if the
// queue is shut down (or closed) with nothing left. It never consumes the
// item it observes.
func (q *BoundedAsyncQueue[T]) WaitForItem(ctx context.Context) bool {
	q.mu.Lock()
	if q.available.len() > 0 {
		q.mu.Unlock()
		return true
	}
	if q.state != stateOpen {
		q.mu.Unlock()
		return false
	}

	w := &waiter[T]{ch: make(chan item[T], 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case it := <-w.ch:
		q.redeliver(it)
		return true
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiter(w)
		q.mu.Unlock()
		if removed {
			return false
		}
		// Lost the race: a dispatcher already claimed this waiter and is
		// sending (or has sent) its item. WaitForItem must not consume it —
		// redeliver so the next Dequeue/WaitForItem still observes it.
		it := <-w.ch
		q.redeliver(it)
		return false
	}
}

// Shutdown transitions Open to Shutdown: no further writes are accepted
// (they are disposed instead); items already stored may still be
// dequeued; readers blocked with nothing available are completed with
// pendingError (nil if not supplied). A no-op if already Shutdown/Closed.
func (q *BoundedAsyncQueue[T]) Shutdown(pendingError error) {
	q.mu.Lock()
	if q.state != stateOpen {
		q.mu.Unlock()
		return
	}
	q.state = stateShutdown
	q.pendingError = pendingError
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w.ch <- item[T]{err: pendingError}
	}
}

// Close transitions to Closed: every waiting reader is completed with the
// zero value and a nil error, and every remaining stored item (available
// or still pending) is disposed via its onDequeue callback and the
// queue's itemDisposer. A no-op if already Closed.
func (q *BoundedAsyncQueue[T]) Close() {
	q.mu.Lock()
	if q.state == stateClosed {
		q.mu.Unlock()
		return
	}
	q.state = stateClosed
	waiters := q.waiters
	q.waiters = nil

	var disposed []item[T]
	for {
		it, ok := q.available.pop()
		if !ok {
			break
		}
		disposed = append(disposed, it)
	}
	disposed = append(disposed, q.pending...)
	q.pending = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w.ch <- item[T]{}
	}
	for _, it := range disposed {
		q.disposeInline(it)
	}
}

func (q *BoundedAsyncQueue[T]) deliver(it item[T]) (T, error) {
	if it.onDequeue != nil {
		it.onDequeue()
	}
	return it.value, it.err
}

func (q *BoundedAsyncQueue[T]) redeliver(it item[T]) {
	q.mu.Lock()
	if q.state == stateClosed {
		q.mu.Unlock()
		q.disposeInline(it)
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w.ch <- it
		return
	}
	q.available.push(it)
	q.mu.Unlock()
}

func (q *BoundedAsyncQueue[T]) removeWaiter(w *waiter[T]) bool {
	for i, ww := range q.waiters {
		if ww == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *BoundedAsyncQueue[T]) disposeInline(it item[T]) {
	if it.onDequeue != nil {
		it.onDequeue()
	}
	if q.itemDisposer != nil && it.err == nil {
		q.itemDisposer(it.value)
	}
}

func (q *BoundedAsyncQueue[T]) disposeAsync(it item[T]) {
	go q.disposeInline(it)
}
