package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type payload struct {
	OrderID string `json:"order_id"`
}

func enqueue(t *testing.T, q Queue, typ string, p any) *Job {
	t.Helper()
	job, err := New(typ, p)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestWorker_CompletesJobs(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, WorkerConfig{Concurrency: 4})

	var seen atomic.Int32
	w.Handle(TypeOrderDeliver, func(ctx context.Context, job Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.OrderID == "" {
			t.Errorf("payload not decoded")
		}
		seen.Add(1)
		return nil
	})

	for i := 0; i < 6; i++ {
		enqueue(t, q, TypeOrderDeliver, payload{OrderID: "o-1"})
	}

	for {
		n, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if n == 0 {
			break
		}
	}

	if seen.Load() != 6 {
		t.Fatalf("handled %d jobs, want 6", seen.Load())
	}
	for _, j := range q.Jobs("") {
		if j.Status != StatusDone {
			t.Fatalf("job %s status %s", j.ID, j.Status)
		}
	}
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, WorkerConfig{Concurrency: 1, BaseBackoff: time.Minute})

	calls := 0
	w.Handle(TypePayoutExecute, func(ctx context.Context, job Job) error {
		calls++
		if calls < 3 {
			return errors.New("provider unavailable")
		}
		return nil
	})
	job := enqueue(t, q, TypePayoutExecute, payload{})

	ctx := context.Background()
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	jobs := q.Jobs("")
	if jobs[0].Status != StatusQueued || !jobs[0].LastError.Valid || !jobs[0].RunAfter.After(time.Now()) {
		t.Fatalf("expected backoff requeue, got %+v", jobs[0])
	}

	// not due yet
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("job ran before backoff elapsed")
	}

	q.MakeDue()
	_, _ = w.RunOnce(ctx)
	q.MakeDue()
	_, _ = w.RunOnce(ctx)

	jobs = q.Jobs("")
	if jobs[0].ID != job.ID || jobs[0].Status != StatusDone || jobs[0].Attempts != 3 {
		t.Fatalf("unexpected final job state %+v", jobs[0])
	}
}

func TestWorker_PermanentAndExhausted(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, WorkerConfig{Concurrency: 2})

	w.Handle(TypeRedeemFulfill, func(ctx context.Context, job Job) error {
		return Permanent(errors.New("stock depleted"))
	})
	w.Handle(TypeOrderShip, func(ctx context.Context, job Job) error {
		return errors.New("still failing")
	})

	enqueue(t, q, TypeRedeemFulfill, payload{})
	exhausted, _ := New(TypeOrderShip, payload{})
	exhausted.MaxAttempts = 2
	_ = q.Enqueue(context.Background(), exhausted)

	for i := 0; i < 3; i++ {
		_, _ = w.RunOnce(context.Background())
		q.MakeDue()
	}

	for _, j := range q.Jobs("") {
		if j.Status != StatusFailed {
			t.Fatalf("job %s (%s) status %s, want failed", j.ID, j.Type, j.Status)
		}
	}
	if j := q.Jobs(TypeRedeemFulfill)[0]; j.Attempts != 1 {
		t.Fatalf("permanent failure retried: attempts=%d", j.Attempts)
	}
	if j := q.Jobs(TypeOrderShip)[0]; j.Attempts != 2 {
		t.Fatalf("exhausted job attempts=%d, want 2", j.Attempts)
	}
}

func TestWorker_UnknownTypeAndPanic(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, WorkerConfig{Concurrency: 2})
	w.Handle(TypeWalletTopup, func(ctx context.Context, job Job) error {
		panic("boom")
	})

	enqueue(t, q, "unknown.type", payload{})
	enqueue(t, q, TypeWalletTopup, payload{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if j := q.Jobs("unknown.type")[0]; j.Status != StatusFailed {
		t.Fatalf("unknown type status %s", j.Status)
	}
	if j := q.Jobs(TypeWalletTopup)[0]; j.Status != StatusQueued || j.LastError.String == "" {
		t.Fatalf("panicking job should be retried, got %+v", j)
	}
}

func TestBackoff(t *testing.T) {
	w := NewWorker(NewMemoryQueue(), WorkerConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	tests := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 10: 10 * time.Second}
	for attempt, want := range tests {
		if got := w.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w := NewWorker(NewMemoryQueue(), WorkerConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Wake() <- struct{}{}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
