package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/queue"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

const metricsInterval = 5 * time.Minute

type metricsSource struct {
	Queue      func() (queue.Stats, bool)
	Dispatcher func() service.DispatchStats
}

// successRate is completed / (completed + failed) as a percentage, or 100
// when nothing has finished yet.
func successRate(s queue.Stats) float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 100
	}
	return float64(s.Completed) * 100 / float64(total)
}

func logMetrics(log *zap.Logger, src metricsSource) {
	fields := make([]zap.Field, 0, 8)

	if src.Queue != nil {
		if s, ok := src.Queue(); ok {
			fields = append(fields,
				zap.Int64("jobs_completed", s.Completed),
				zap.Int64("jobs_failed", s.Failed),
				zap.Float64("success_rate", successRate(s)),
			)
		}
	}

	if src.Dispatcher != nil {
		d := src.Dispatcher()
		fields = append(fields,
			zap.Int("outbox_sent", d.Sent),
			zap.Int("outbox_retried", d.Retried),
			zap.Int("outbox_dead_lettered", d.DeadLettered),
			zap.Int("outbox_blocked", d.Blocked),
			zap.Int("outbox_errors", d.Errors),
		)
	}

	log.Info("Worker metrics", fields...)
}

// reportMetrics logs every interval and once more when ctx ends.
func reportMetrics(ctx context.Context, log *zap.Logger, interval time.Duration, src metricsSource) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logMetrics(log, src)
			return
		case <-ticker.C:
			logMetrics(log, src)
		}
	}
}
