package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue carries jobs over RabbitMQ. Each topic is a durable queue on the
// default exchange. Failed deliveries are republished with an incremented
// retry header after the backoff delay, then acked.
type AMQPQueue struct {
	conn   *amqp.Connection
	dedupe DedupeStore
	opts   Options
	log    *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu       sync.Mutex
	declared map[string]bool
	channels []*amqp.Channel
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	counters
}

func NewAMQPQueue(conn *amqp.Connection, dedupe DedupeStore, opts Options, log *zap.Logger) (*AMQPQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if dedupe == nil {
		dedupe = NewMemoryDedupe()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &AMQPQueue{
		conn:     conn,
		dedupe:   dedupe,
		opts:     opts.withDefaults(),
		log:      log.Named("amqp"),
		pubCh:    ch,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func (q *AMQPQueue) Publish(ctx context.Context, job Job) error {
	if q.ctx.Err() != nil {
		return ErrClosed
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

	return q.publish(job, 0)
}

func (q *AMQPQueue) publish(job Job, retries int32) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if !q.declared[job.Topic] {
		if err := declare(q.pubCh, job.Topic); err != nil {
			return err
		}
		q.declared[job.Topic] = true
	}

	return q.pubCh.Publish(
		"",        // exchange
		job.Topic, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{retryHeader: retries},
			Body:         job.Payload,
		},
	)
}

// Subscribe starts Concurrency consumers for topic with manual acks.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(q.opts.Concurrency, 0, false); err != nil {
		ch.Close()
		return err
	}

	if err := declare(ch, topic); err != nil {
		ch.Close()
		return err
	}

	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return err
	}

	q.mu.Lock()
	q.channels = append(q.channels, ch)
	q.mu.Unlock()

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-q.ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					q.handleDelivery(topic, handler, d)
				}
			}
		}()
	}

	return nil
}

func (q *AMQPQueue) handleDelivery(topic string, handler Handler, d amqp.Delivery) {
	retries := retryCount(d.Headers)
	job := Job{ID: d.MessageId, Topic: topic, Payload: d.Body, Attempt: int(retries) + 1}

	err := runHandler(context.WithoutCancel(q.ctx), handler, job)
	if err == nil {
		q.completed.Add(1)
		d.Ack(false)
		return
	}

	if errors.Is(err, ErrPoison) || job.Attempt >= q.opts.MaxAttempts {
		q.failed.Add(1)
		q.log.Error("Job permanently failed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err),
		)
		d.Ack(false)
		return
	}

	q.log.Warn("Job failed, scheduling retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)

	if err := sleepCtx(q.ctx, Backoff(q.opts.BackoffBase, job.Attempt)); err != nil {
		// requeue as-is so another consumer picks it up after restart
		d.Nack(false, true)
		return
	}

	if err := q.publish(job, retries+1); err != nil {
		q.log.Error("Failed to republish job", zap.String("job_id", job.ID), zap.Error(err))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	default:
		return 0
	}
}

// Close stops consumers, waits for in-flight deliveries and closes channels.
func (q *AMQPQueue) Close(ctx context.Context) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	q.mu.Lock()
	for _, ch := range q.channels {
		ch.Close()
	}
	q.mu.Unlock()

	q.pubMu.Lock()
	q.pubCh.Close()
	q.pubMu.Unlock()

	return err
}

func (q *AMQPQueue) Stats() Stats {
	return q.snapshot()
}

var _ Queue = (*AMQPQueue)(nil)
