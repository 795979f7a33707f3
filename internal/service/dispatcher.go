package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/provider"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

// Sender is the part of provider.Provider the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, msg model.OutboundMessage) (provider.SendResult, error)
}

type OptOutChecker interface {
	IsOptedOut(ctx context.Context, tenantID, number string) (bool, error)
}

type DispatcherOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		PollInterval: 5 * time.Second,
		BatchSize:    10,
		MaxRetries:   5,
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
	}
}

// BackoffDelay is min(base * 2^(attempts-1), limit).
func BackoffDelay(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// DispatchStats summarizes one or more dispatch cycles.
type DispatchStats struct {
	Selected     int `json:"selected"`
	Claimed      int `json:"claimed"`
	Sent         int `json:"sent"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Blocked      int `json:"blocked"`
	Errors       int `json:"errors"`
}

func (s *DispatchStats) add(o DispatchStats) {
	s.Selected += o.Selected
	s.Claimed += o.Claimed
	s.Sent += o.Sent
	s.Retried += o.Retried
	s.DeadLettered += o.DeadLettered
	s.Blocked += o.Blocked
	s.Errors += o.Errors
}

type rowOutcome int

const (
	rowSkipped rowOutcome = iota
	rowSent
	rowRetried
	rowDeadLettered
	rowBlocked
	rowError
)

// Dispatcher polls the outbox and delivers claimed rows through the provider.
type Dispatcher struct {
	Repo    repository.OutboundMessageRepositoryInterface
	OptOuts OptOutChecker
	Sender  Sender
	Events  *EventLogger
	Alerter Alerter
	Log     *zap.Logger
	Opts    DispatcherOptions
	Now     func() time.Time

	mu     sync.Mutex
	totals DispatchStats
}

func NewDispatcher(
	repo repository.OutboundMessageRepositoryInterface,
	optOuts OptOutChecker,
	sender Sender,
	events *EventLogger,
	alerter Alerter,
	opts DispatcherOptions,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		Repo:    repo,
		OptOuts: optOuts,
		Sender:  sender,
		Events:  events,
		Alerter: alerter,
		Log:     log.Named("dispatcher"),
		Opts:    opts,
		Now:     time.Now,
	}
}

// Start polls until ctx is cancelled. A cycle in progress runs to completion.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.Opts.PollInterval)
	defer ticker.Stop()

	d.Log.Info("Dispatcher started",
		zap.Duration("poll_interval", d.Opts.PollInterval),
		zap.Int("batch_size", d.Opts.BatchSize),
	)

	for {
		if _, err := d.RunOnce(context.WithoutCancel(ctx)); err != nil {
			d.Alerter.Critical(ctx, "Outbox poll failed", err)
		}

		select {
		case <-ctx.Done():
			d.Log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes a single batch of eligible rows.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats

	rows, err := d.Repo.ListEligible(ctx, d.Now().UTC(), d.Opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list eligible: %w", err)
	}
	stats.Selected = len(rows)

	for i := range rows {
		switch d.dispatch(ctx, rows[i]) {
		case rowSent:
			stats.Claimed++
			stats.Sent++
		case rowRetried:
			stats.Claimed++
			stats.Retried++
		case rowDeadLettered:
			stats.Claimed++
			stats.DeadLettered++
		case rowBlocked:
			stats.Claimed++
			stats.Blocked++
		case rowError:
			stats.Errors++
		}
	}

	d.mu.Lock()
	d.totals.add(stats)
	d.mu.Unlock()

	if stats.Selected > 0 {
		d.Log.Info("Outbox cycle finished",
			zap.Int("selected", stats.Selected),
			zap.Int("sent", stats.Sent),
			zap.Int("retried", stats.Retried),
			zap.Int("dead_lettered", stats.DeadLettered),
			zap.Int("blocked", stats.Blocked),
			zap.Int("errors", stats.Errors),
		)
	}

	return stats, nil
}

// Totals returns stats accumulated since start.
func (d *Dispatcher) Totals() DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totals
}

func (d *Dispatcher) dispatch(ctx context.Context, msg model.OutboundMessage) (outcome rowOutcome) {
	claimed := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			if claimed {
				d.reset(ctx, msg, err)
			} else {
				d.Alerter.Critical(ctx, "Outbox row panicked before claim", err, zap.String("message_out_id", msg.ID))
			}
			outcome = rowError
		}
	}()

	ok, err := d.Repo.Claim(ctx, msg.ID, d.Now().UTC())
	if err != nil {
		d.Alerter.Critical(ctx, "Failed to claim outbound message", err, zap.String("message_out_id", msg.ID))
		return rowError
	}
	if !ok {
		d.Log.Debug("Outbound message claimed elsewhere", zap.String("message_out_id", msg.ID))
		return rowSkipped
	}
	claimed = true

	optedOut, err := d.OptOuts.IsOptedOut(ctx, msg.TenantID, msg.ToNumber)
	if err != nil {
		d.reset(ctx, msg, err)
		return rowError
	}
	if optedOut {
		return d.block(ctx, msg)
	}

	res, sendErr := d.Sender.Send(ctx, msg)
	if sendErr != nil {
		return d.fail(ctx, msg, sendErr)
	}

	if err := d.Repo.MarkSent(ctx, msg.ID, res.ProviderMessageID, d.Now().UTC()); err != nil {
		d.reset(ctx, msg, err)
		return rowError
	}

	logEventSafe(d.Log, model.EventMessageSent, msg.CorrelationID,
		d.Events.MessageSent(ctx, msg.TenantID, msg.ID, msg.CorrelationID, res.ProviderMessageID))

	return rowSent
}

func (d *Dispatcher) block(ctx context.Context, msg model.OutboundMessage) rowOutcome {
	ok, err := d.Repo.MarkBlocked(ctx, msg.ID, d.Now().UTC())
	if err != nil {
		d.reset(ctx, msg, err)
		return rowError
	}
	if !ok {
		return rowSkipped
	}

	logEventSafe(d.Log, model.EventMessageBlockedOptOut, msg.CorrelationID,
		d.Events.MessageBlockedOptOut(ctx, msg.TenantID, msg.ID, msg.CorrelationID))

	d.Log.Info("Outbound message blocked by opt-out",
		zap.String("message_out_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("correlation_id", msg.CorrelationID),
	)
	return rowBlocked
}

func (d *Dispatcher) fail(ctx context.Context, msg model.OutboundMessage, sendErr error) rowOutcome {
	attempts := msg.Attempts + 1
	lastError := sendErr.Error()

	if attempts >= d.Opts.MaxRetries {
		inserted, err := d.Repo.DeadLetter(ctx, &msg, attempts, lastError)
		if err != nil {
			d.reset(ctx, msg, err)
			return rowError
		}

		d.Log.Warn("Outbound message dead-lettered",
			zap.String("message_out_id", msg.ID),
			zap.String("tenant_id", msg.TenantID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("attempts", attempts),
			zap.Bool("inserted", inserted),
			zap.String("last_error", lastError),
		)
		return rowDeadLettered
	}

	next := d.Now().UTC().Add(BackoffDelay(attempts, d.Opts.BackoffBase, d.Opts.BackoffCap))
	if err := d.Repo.ScheduleRetry(ctx, msg.ID, attempts, next, lastError); err != nil {
		d.reset(ctx, msg, err)
		return rowError
	}

	d.Log.Warn("Outbound send failed, retry scheduled",
		zap.String("message_out_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.String("last_error", lastError),
	)
	return rowRetried
}

// reset puts a claimed row back into failed without consuming an attempt so
// it is picked up again after one base delay.
func (d *Dispatcher) reset(ctx context.Context, msg model.OutboundMessage, cause error) {
	d.Alerter.Critical(ctx, "Outbound message processing error", cause,
		zap.String("message_out_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
	)

	next := d.Now().UTC().Add(d.Opts.BackoffBase)
	if err := d.Repo.ScheduleRetry(ctx, msg.ID, msg.Attempts, next, cause.Error()); err != nil {
		d.Log.Error("Failed to reset outbound message",
			zap.String("message_out_id", msg.ID),
			zap.Error(err),
		)
	}
}
