package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue(opts Options) *InMemoryQueue {
	q := NewInMemoryQueue(opts, nil, zap.NewNop())
	q.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return q
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	for i, w := range want {
		if got := Backoff(base, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestPublishRejectsDuplicateIDs(t *testing.T) {
	q := newTestQueue(Options{MaxAttempts: 3})
	var calls atomic.Int32

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	})

	ctx := context.Background()
	if err := q.Publish(ctx, Job{ID: "tenant-SM1", Topic: "t"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Publish(ctx, Job{ID: "tenant-SM1", Topic: "t"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	q.Close(ctx)

	if calls.Load() != 1 {
		t.Errorf("expected handler called once, got %d", calls.Load())
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q := newTestQueue(Options{})
	if err := q.Publish(context.Background(), Job{ID: "x", Topic: "nobody"}); !errors.Is(err, ErrNoTopic) {
		t.Errorf("expected ErrNoTopic, got %v", err)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	q := newTestQueue(Options{MaxAttempts: 3})
	var calls atomic.Int32

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	q.Publish(context.Background(), Job{ID: "a", Topic: "t"})
	q.Close(context.Background())

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if s := q.Stats(); s.Completed != 1 || s.Failed != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(Options{MaxAttempts: 3})
	var calls atomic.Int32

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("down")
	})

	q.Publish(context.Background(), Job{ID: "a", Topic: "t"})
	q.Close(context.Background())

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if s := q.Stats(); s.Failed != 1 {
		t.Errorf("expected 1 failed job, got %+v", s)
	}
}

func TestPoisonJobIsNotRetried(t *testing.T) {
	q := newTestQueue(Options{MaxAttempts: 3})
	var calls atomic.Int32

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		calls.Add(1)
		var v struct{ A int }
		return job.Decode(&v)
	})

	q.Publish(context.Background(), Job{ID: "a", Topic: "t", Payload: []byte("{not json")})
	q.Close(context.Background())

	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestHandlerPanicIsRetried(t *testing.T) {
	q := newTestQueue(Options{MaxAttempts: 2})
	var calls atomic.Int32

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	q.Publish(context.Background(), Job{ID: "a", Topic: "t"})
	q.Close(context.Background())

	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	q := newTestQueue(Options{Concurrency: 2, MaxAttempts: 1})

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	q.Subscribe("t", func(ctx context.Context, job Job) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		q.Publish(context.Background(), Job{ID: fmt.Sprintf("job-%d", i), Topic: "t"})
	}
	q.Close(context.Background())

	if peak > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", peak)
	}
	if s := q.Stats(); s.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", s.Completed)
	}
}

func TestPublishAfterClose(t *testing.T) {
	q := newTestQueue(Options{})
	q.Subscribe("t", func(ctx context.Context, job Job) error { return nil })
	q.Close(context.Background())

	if err := q.Publish(context.Background(), Job{ID: "a", Topic: "t"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryDedupeExpires(t *testing.T) {
	d := NewMemoryDedupe()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Reserve(ctx, "a", time.Hour); !ok {
		t.Fatal("expected first reserve to succeed")
	}
	if ok, _ := d.Reserve(ctx, "a", time.Hour); ok {
		t.Fatal("expected second reserve to fail")
	}

	now = now.Add(2 * time.Hour)
	if ok, _ := d.Reserve(ctx, "a", time.Hour); !ok {
		t.Error("expected reserve after ttl to succeed")
	}
}

func TestMemoryDedupeSweepsExpired(t *testing.T) {
	d := NewMemoryDedupe()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		if ok, _ := d.Reserve(ctx, fmt.Sprintf("tenant-1-SM%d", i), time.Minute); !ok {
			t.Fatalf("reserve %d failed", i)
		}
		now = now.Add(time.Second)
	}

	if n := d.Len(); n > 120 {
		t.Errorf("expected expired reservations swept, %d still held", n)
	}
	if ok, _ := d.Reserve(ctx, "tenant-1-SM9999", time.Minute); ok {
		t.Error("expected a live reservation to survive the sweep")
	}
}
