package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New[int](nil)
	for i := range 5 {
		q.EnqueueAndDispatch(i, nil, nil)
	}

	ctx := context.Background()
	for i := range 5 {
		v, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan int, 1)
	go func() {
		v, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.EnqueueAndDispatch(42, nil, nil)

	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never completed")
	}
}

func TestDequeueCancel(t *testing.T) {
	q := New[int](nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestEnqueueWithoutDispatchThenDispatch(t *testing.T) {
	q := New[int](nil)
	required := q.EnqueueWithoutDispatch(7, nil, nil)
	if !required {
		t.Fatal("expected dispatch to be required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if q.WaitForItem(ctx) {
		t.Fatal("item should not be visible before Dispatch")
	}

	q.Dispatch()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	v, err := q.Dequeue(ctx2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

func TestShutdownDrainsThenReturnsPendingError(t *testing.T) {
	q := New[int](nil)
	q.EnqueueAndDispatch(1, nil, nil)

	sentinel := errors.New("shutting down")
	q.Shutdown(sentinel)

	ctx := context.Background()
	v, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected remaining item to drain cleanly, got %v", err)
	}
	if v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}

	_, err = q.Dequeue(ctx)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected pending error after drain, got %v", err)
	}
}

func TestEnqueueAfterShutdownDisposesItem(t *testing.T) {
	disposed := make(chan int, 1)
	q := New[int](func(v int) { disposed <- v })
	q.Shutdown(nil)

	called := make(chan struct{}, 1)
	q.EnqueueAndDispatch(99, nil, func() { called <- struct{}{} })

	select {
	case v := <-disposed:
		if v != 99 {
			t.Fatalf("expected 99, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("item was never disposed")
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onDequeue callback was never invoked")
	}
}

func TestCloseCompletesWaitersWithNil(t *testing.T) {
	q := New[int](nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never completed after close")
	}
}

func TestCloseDisposesRemainingItems(t *testing.T) {
	var disposedCount int
	disposed := make(chan int, 10)
	q := New[int](func(v int) { disposed <- v })

	for i := range 3 {
		q.EnqueueAndDispatch(i, nil, nil)
	}
	q.Close()

	for range 3 {
		select {
		case <-disposed:
			disposedCount++
		case <-time.After(time.Second):
			t.Fatal("not all items were disposed")
		}
	}
	if disposedCount != 3 {
		t.Fatalf("expected 3 disposed items, got %d", disposedCount)
	}
}

func TestRingBufferGrowsAndPreservesOrder(t *testing.T) {
	q := New[int](nil)
	const n = 100
	for i := range n {
		q.EnqueueAndDispatch(i, nil, nil)
	}
	ctx := context.Background()
	for i := range n {
		v, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d (order not preserved)", i, v)
		}
	}
}

func TestOnDequeueInvokedExactlyOnceOnDelivery(t *testing.T) {
	q := New[int](nil)
	var calls int
	q.EnqueueAndDispatch(1, nil, func() { calls++ })

	ctx := context.Background()
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestWaitForItemTrueWhenAlreadyAvailable(t *testing.T) {
	q := New[int](nil)
	q.EnqueueAndDispatch(1, nil, nil)

	if !q.WaitForItem(context.Background()) {
		t.Fatal("expected WaitForItem to report true")
	}
	// WaitForItem must not have consumed it.
	if q.Len() != 1 {
		t.Fatalf("expected item still available, Len() = %d", q.Len())
	}
}

func TestWaitForItemBlocksUntilEnqueue(t *testing.T) {
	q := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- q.WaitForItem(ctx) }()

	time.Sleep(20 * time.Millisecond)
	q.EnqueueAndDispatch(1, nil, nil)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected WaitForItem to report true")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForItem never completed")
	}
	if q.Len() != 1 {
		t.Fatalf("expected item still available, Len() = %d", q.Len())
	}
}

func TestWaitForItemFalseAfterShutdownWithNothingLeft(t *testing.T) {
	q := New[int](nil)
	q.Shutdown(nil)

	if q.WaitForItem(context.Background()) {
		t.Fatal("expected WaitForItem to report false on an empty, shut-down queue")
	}
}

func TestWaitForItemCancelRaceRedeliversItem(t *testing.T) {
	// Regression: a ctx that is cancelled in the same instant a dispatcher
	// hands this waiter its item must not drop that item — it has to be
	// redelivered so the next Dequeue/WaitForItem still observes it.
	q := New[int](nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- q.WaitForItem(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	q.EnqueueAndDispatch(7, nil, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForItem never completed")
	}

	v, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue after race: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected the raced item to survive and be dequeued, got %d", v)
	}
}
