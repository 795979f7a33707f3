package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateJob is returned by Publish when a job with the same id was already accepted.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrPoison marks a job that can never succeed; it is dropped without retry.
	ErrPoison  = errors.New("poison job")
	ErrClosed  = errors.New("queue closed")
	ErrNoTopic = errors.New("no subscribers for topic")
)

// Job is one unit of work. ID doubles as the deduplication key.
type Job struct {
	ID      string
	Topic   string
	Payload []byte
	Attempt int
}

// NewJob encodes v as the job payload.
func NewJob(id, topic string, v any) (Job, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Job{}, fmt.Errorf("encode job %s: %w", id, err)
	}
	return Job{ID: id, Topic: topic, Payload: payload}, nil
}

// Decode unmarshals the payload into v. Decoding failures are poison.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return nil
}

type Handler func(ctx context.Context, job Job) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Subscribe(topic string, handler Handler) error
	Close(ctx context.Context) error
}

type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	Concurrency int
	DedupeTTL   time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		Concurrency: 5,
		DedupeTTL:   24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = d.DedupeTTL
	}
	return o
}

// Backoff returns the delay before the given retry: base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Stats counts terminal job outcomes.
type Stats struct {
	Completed int64
	Failed    int64
}

type counters struct {
	completed atomic.Int64
	failed    atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{Completed: c.completed.Load(), Failed: c.failed.Load()}
}

// InMemoryQueue runs jobs in process with bounded concurrency, retries and id dedupe.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	dedupe   DedupeStore
	opts     Options
	log      *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	sleep  func(ctx context.Context, d time.Duration) error

	counters
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options, dedupe DedupeStore, log *zap.Logger) *InMemoryQueue {
	opts = opts.withDefaults()
	if dedupe == nil {
		dedupe = NewMemoryDedupe()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &InMemoryQueue{
		handlers: make(map[string][]Handler),
		dedupe:   dedupe,
		opts:     opts,
		log:      log.Named("queue"),
		sem:      make(chan struct{}, opts.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepCtx,
	}
}

// Publish hands the job to every subscriber of its topic
func (q *InMemoryQueue) Publish(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	handlers := q.handlers[job.Topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrNoTopic, job.Topic)
	}

	if job.ID != "" {
		fresh, err := q.dedupe.Reserve(ctx, job.ID, q.opts.DedupeTTL)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrDuplicateJob
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.wg.Add(len(handlers))
	q.mu.Unlock()

	for _, handler := range handlers {
		go q.processJob(handler, job)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job Job) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	for job.Attempt = 1; job.Attempt <= q.opts.MaxAttempts; job.Attempt++ {
		err := runHandler(q.ctx, handler, job)
		if err == nil {
			q.completed.Add(1)
			return
		}

		if errors.Is(err, ErrPoison) {
			q.failed.Add(1)
			q.log.Error("Dropping poison job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}

		q.log.Warn("Job failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", q.opts.MaxAttempts),
			zap.Error(err),
		)

		if job.Attempt == q.opts.MaxAttempts {
			break
		}

		if err := q.sleep(q.ctx, Backoff(q.opts.BackoffBase, job.Attempt)); err != nil {
			q.failed.Add(1)
			q.log.Warn("Queue closing, abandoning retry", zap.String("job_id", job.ID))
			return
		}
	}

	q.failed.Add(1)
	q.log.Error("Job permanently failed", zap.String("job_id", job.ID), zap.Int("attempts", q.opts.MaxAttempts))
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops accepting jobs and waits for in-flight ones. Pending backoff
// sleeps are interrupted only when ctx expires first.
func (q *InMemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Stats() Stats {
	return q.snapshot()
}

// runHandler converts a handler panic into an error so the job is retried.
func runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*InMemoryQueue)(nil)
