package intr

import (
	"testing"
	"time"
)

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	q.Enqueue(Low, 1, nil)
	q.Enqueue(Critical, 2, nil)
	q.Enqueue(Normal, 3, nil)
	q.Enqueue(Critical, 4, nil)

	first, ok := q.TryDequeue()
	if !ok || first.Vector != 2 {
		t.Fatalf("expected first critical (vector 2), got %+v ok=%v", first, ok)
	}
	second, ok := q.TryDequeue()
	if !ok || second.Vector != 4 {
		t.Fatalf("expected second critical (vector 4), got %+v ok=%v", second, ok)
	}
	third, ok := q.TryDequeue()
	if !ok || third.Vector != 3 {
		t.Fatalf("expected normal before low (vector 3), got %+v ok=%v", third, ok)
	}
	fourth, ok := q.TryDequeue()
	if !ok || fourth.Vector != 1 {
		t.Fatalf("expected low last (vector 1), got %+v ok=%v", fourth, ok)
	}
}

func TestTryDequeueEmptyReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected empty queue to report no pending interrupt")
	}
}

func TestWaitWakesOnEnqueue(t *testing.T) {
	q := New()
	result := make(chan Interrupt, 1)
	go func() {
		entry, ok := q.Wait()
		if ok {
			result <- entry
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(High, 42, "payload")

	select {
	case got := <-result:
		if got.Vector != 42 {
			t.Fatalf("expected vector 42, got %d", got.Vector)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait to wake")
	}
}

func TestCloseUnblocksWaitingConsumer(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Wait()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Wait to return false on close with nothing pending")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close to unblock consumer")
	}
}

func TestPendingCountsAcrossAllPriorities(t *testing.T) {
	q := New()
	q.Enqueue(Low, 1, nil)
	q.Enqueue(High, 2, nil)
	q.Enqueue(Critical, 3, nil)
	if got := q.Pending(); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}
}

func TestSameEnqueueOrderStampedMonotonically(t *testing.T) {
	q := New()
	q.Enqueue(Normal, 1, nil)
	q.Enqueue(Normal, 2, nil)
	first, _ := q.TryDequeue()
	second, _ := q.TryDequeue()
	if first.EnqueueTS >= second.EnqueueTS {
		t.Fatalf("expected monotonically increasing enqueue timestamps, got %d then %d", first.EnqueueTS, second.EnqueueTS)
	}
}
