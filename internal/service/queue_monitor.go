package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chatr/internal/delivery"
	"chatr/internal/metrics"
	"chatr/internal/queue"
)

// QueueMonitor periodically reports queue health and sweeps the queue when
// the processor is idle and online, so a missed trigger cannot strand
// messages until the next connectivity change.
type QueueMonitor struct {
	queue          *queue.Queue
	processor      *delivery.Processor
	checkInterval  time.Duration
	staleThreshold time.Duration
	metrics        *metrics.Registry
	logger         *logrus.Logger
	now            func() time.Time
}

func NewQueueMonitor(q *queue.Queue, processor *delivery.Processor, checkInterval, staleThreshold time.Duration, registry *metrics.Registry, logger *logrus.Logger) *QueueMonitor {
	return &QueueMonitor{
		queue:          q,
		processor:      processor,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		metrics:        registry,
		logger:         logger,
		now:            time.Now,
	}
}

// Run checks the queue every interval until ctx is done.
func (m *QueueMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		LogFieldComponent: "queue_monitor",
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Debug("Starting queue monitor")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *QueueMonitor) check(ctx context.Context) {
	items := m.queue.All()
	stale := 0
	for _, item := range items {
		if m.now().Sub(item.CreatedAt) > m.staleThreshold {
			stale++
		}
	}

	m.metrics.SetGauge("queue_depth", float64(len(items)), nil, "Messages waiting to be sent")
	m.metrics.SetGauge("queue_stale_messages", float64(stale), nil, "Queued messages older than the stale threshold")
	if stale > 0 {
		m.logger.WithFields(logrus.Fields{
			LogFieldCount: len(items),
			"stale_count": stale,
			"threshold":   m.staleThreshold,
		}).Warn("Messages have been waiting in the outbound queue")
	}

	status := m.processor.Status()
	if len(items) > 0 && status.Online && status.State == delivery.Idle {
		m.processor.Drain(ctx)
	}
}
