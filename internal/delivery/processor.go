// Package delivery drains the outbound queue against the backend. One drain
// runs at a time, in FIFO order, and a failing head message blocks the
// messages behind it until it is sent or exhausted.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/models"
	"chatr/internal/privacy"
	"chatr/internal/queue"
	"chatr/internal/retry"
	"chatr/internal/tracing"
)

// Sender writes a message row to the backend.
type Sender interface {
	InsertMessage(ctx context.Context, row models.MessageRow) error
}

// Connectivity reports and broadcasts the online state.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Notifier surfaces delivery outcomes to the user.
type Notifier interface {
	MessageQueued(msg models.QueuedMessage)
	MessageSent(msg models.QueuedMessage)
	DeliveryExhausted(ex Exhaustion)
}

// Exhaustion describes a message that was dropped from the queue after
// running out of retries. Retry puts it back at the tail of the queue.
type Exhaustion struct {
	Message models.QueuedMessage
	Err     error
	retry   func(ctx context.Context) error
}

// NewExhaustion builds an Exhaustion whose Retry runs retry.
func NewExhaustion(msg models.QueuedMessage, err error, retry func(ctx context.Context) error) Exhaustion {
	return Exhaustion{Message: msg, Err: err, retry: retry}
}

// Retry re-enqueues the exhausted message with a fresh retry count.
func (e Exhaustion) Retry(ctx context.Context) error {
	if e.retry == nil {
		return apperrors.New(apperrors.ErrCodeInternalError, "exhaustion has no retry action")
	}
	return e.retry(ctx)
}

// Config tunes the per-message retry loop.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Metrics    *metrics.Registry
}

// DefaultConfig returns the stock retry settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: constants.DefaultMaxRetries,
		RetryDelay: time.Duration(constants.DefaultRetryDelayMs) * time.Millisecond,
	}
}

// Processor owns the drain loop for one user's queue.
type Processor struct {
	queue    *queue.Queue
	sender   Sender
	network  Connectivity
	notifier Notifier
	config   Config
	selfID   string
	logger   *logrus.Logger
	metrics  *metrics.Registry
	sleep    func(ctx context.Context, d time.Duration) error

	draining atomic.Bool
	rerun    atomic.Bool

	statusMu sync.RWMutex
	status   Status

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	running     bool
	stopped     bool
	wg          sync.WaitGroup
}

// NewProcessor creates a processor for the given queue.
func NewProcessor(q *queue.Queue, sender Sender, network Connectivity, notifier Notifier, config Config, selfID string, logger *logrus.Logger) *Processor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = constants.DefaultMaxRetries
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	return &Processor{
		queue:    q,
		sender:   sender,
		network:  network,
		notifier: notifier,
		config:   config,
		selfID:   selfID,
		logger:   logger,
		metrics:  config.Metrics,
		sleep:    retry.Sleep,
	}
}

// Start subscribes to connectivity changes and drains anything left over
// from a previous run.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("delivery processor is already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.unsubscribe = p.network.Subscribe(func(online bool) {
		if online {
			p.logger.Info("Back online, draining outbound queue")
			p.trigger()
		}
	})
	p.running = true

	pending := p.queue.Len()
	p.logger.WithFields(logrus.Fields{
		"pending": pending,
		"online":  p.network.Online(),
	}).Info("Delivery processor started")

	if pending > 0 && p.network.Online() {
		p.triggerLocked()
	}
	return nil
}

// Stop unsubscribes from connectivity changes and waits for an active drain
// to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.unsubscribe()
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Delivery processor stopped")
}

// Send queues a draft and, when online, kicks off a drain.
func (p *Processor) Send(ctx context.Context, draft models.MessageDraft) (models.QueuedMessage, error) {
	if err := ValidateDraft(draft); err != nil {
		return models.QueuedMessage{}, err
	}

	msg, err := p.queue.Enqueue(ctx, draft)
	if err != nil {
		return models.QueuedMessage{}, err
	}
	p.publishQueueDepth()

	if !p.network.Online() {
		p.logger.WithField("message_id", privacy.MaskMessageID(msg.ID)).Info("Offline, message queued")
		p.notifier.MessageQueued(msg)
		return msg, nil
	}

	p.trigger()
	return msg, nil
}

// Retry puts an exhausted message back on the queue with a zero retry count
// and kicks off a drain. A stopped processor belongs to a closed session and
// refuses.
func (p *Processor) Retry(ctx context.Context, msg models.QueuedMessage) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "delivery processor is stopped").
			WithUserMessage("This message belongs to a session that has ended")
	}

	requeued, err := p.queue.Enqueue(ctx, msg.Draft())
	if err != nil {
		return err
	}
	p.publishQueueDepth()

	p.logger.WithFields(logrus.Fields{
		"message_id":  privacy.MaskMessageID(requeued.ID),
		"previous_id": privacy.MaskMessageID(msg.ID),
	}).Info("Message re-queued by user")

	if p.network.Online() {
		p.trigger()
	} else {
		p.notifier.MessageQueued(requeued)
	}
	return nil
}

// Status returns the current processor state.
func (p *Processor) Status() Status {
	p.statusMu.RLock()
	status := p.status
	p.statusMu.RUnlock()

	status.Online = p.network.Online()
	status.QueueLength = p.queue.Len()
	return status
}

// Drain runs one pass over the queue. It returns false without doing
// anything when another drain is already running; that drain then makes one
// more pass before it finishes.
func (p *Processor) Drain(ctx context.Context) bool {
	if !p.draining.CompareAndSwap(false, true) {
		p.rerun.Store(true)
		return false
	}

	for {
		p.rerun.Store(false)
		p.drainPass(ctx)
		p.setStatus(Status{State: Idle})
		p.draining.Store(false)

		if !p.rerun.Load() || ctx.Err() != nil || !p.network.Online() || p.queue.Len() == 0 {
			return true
		}
		if !p.draining.CompareAndSwap(false, true) {
			return true
		}
	}
}

func (p *Processor) drainPass(ctx context.Context) {
	snapshot := p.queue.All()
	if len(snapshot) == 0 {
		return
	}

	p.setStatus(Status{State: Draining})
	p.logger.WithField("pending", len(snapshot)).Debug("Draining outbound queue")

	for _, queued := range snapshot {
		if !p.deliver(ctx, queued.ID) {
			return
		}
	}
}

// deliver works one message until it is sent or exhausted. It returns false
// when the pass must stop with the message still queued.
func (p *Processor) deliver(ctx context.Context, id string) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if !p.network.Online() {
			p.logger.Info("Went offline, pausing drain")
			return false
		}

		msg, ok := p.queue.Get(id)
		if !ok {
			return true
		}

		p.setStatus(Status{State: Draining, Attempt: msg.RetryCount + 1, MessageID: msg.ID})
		sendErr := p.attempt(ctx, msg)
		if sendErr == nil {
			p.markSent(ctx, msg)
			return true
		}
		if ctx.Err() != nil || !p.network.Online() {
			p.logger.WithError(sendErr).WithField("message_id", privacy.MaskMessageID(msg.ID)).
				Info("Send failed after going offline, message stays queued")
			return false
		}

		updated, err := p.queue.IncrementRetry(ctx, id)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return true
			}
			p.logger.WithError(err).Error("Failed to persist retry count, pausing drain")
			return false
		}

		if updated.RetryCount >= p.config.MaxRetries {
			p.exhaust(ctx, updated, sendErr)
			return true
		}

		p.setStatus(Status{State: Backoff, Attempt: updated.RetryCount, MessageID: updated.ID})
		p.logger.WithFields(logrus.Fields{
			"message_id":  privacy.MaskMessageID(updated.ID),
			"retry_count": updated.RetryCount,
			"delay_ms":    p.config.RetryDelay.Milliseconds(),
		}).WithError(sendErr).Warn("Send failed, backing off")

		if err := p.sleep(ctx, p.config.RetryDelay); err != nil {
			return false
		}
	}
}

func (p *Processor) attempt(ctx context.Context, msg models.QueuedMessage) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("message.id", msg.ID),
		attribute.Int("message.retry_count", msg.RetryCount),
	)
	defer span.End()

	start := time.Now()
	err := p.sender.InsertMessage(ctx, msg.Row(p.selfID, constants.OutboundMessageStatus))

	result := "ok"
	if err != nil {
		result = "error"
		tracing.RecordError(ctx, err)
	}
	p.metrics.IncrementCounter("delivery_attempts_total", map[string]string{"result": result}, "Outbound send attempts")
	p.metrics.RecordTimer("delivery_attempt_duration", time.Since(start), nil, "Outbound send attempt latency")
	return err
}

func (p *Processor) markSent(ctx context.Context, msg models.QueuedMessage) {
	if _, err := p.queue.Drain(ctx, msg.ID); err != nil {
		p.logger.WithError(err).WithField("message_id", privacy.MaskMessageID(msg.ID)).
			Error("Message sent but could not be removed from the queue")
	}
	p.publishQueueDepth()
	p.metrics.IncrementCounter("delivery_sent_total", nil, "Messages delivered")
	p.logger.WithField("message_id", privacy.MaskMessageID(msg.ID)).Info("Message sent")
	p.notifier.MessageSent(msg)
}

func (p *Processor) exhaust(ctx context.Context, msg models.QueuedMessage, cause error) {
	p.setStatus(Status{State: Exhausted, Attempt: msg.RetryCount, MessageID: msg.ID})

	if _, err := p.queue.Drain(ctx, msg.ID); err != nil {
		p.logger.WithError(err).WithField("message_id", privacy.MaskMessageID(msg.ID)).
			Error("Failed to remove exhausted message from the queue")
	}
	p.publishQueueDepth()
	p.metrics.IncrementCounter("delivery_exhausted_total", nil, "Messages that ran out of retries")

	exhaustedErr := apperrors.NewDeliveryExhaustedError(msg.ID, msg.RetryCount, cause)
	apperrors.WrapLogger(p.logger).LogError(exhaustedErr, "Message delivery exhausted", logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
	})

	p.notifier.DeliveryExhausted(NewExhaustion(msg, exhaustedErr, func(ctx context.Context) error {
		return p.Retry(ctx, msg)
	}))
}

func (p *Processor) trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggerLocked()
}

func (p *Processor) triggerLocked() {
	if !p.running {
		return
	}
	ctx := p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Drain(ctx)
	}()
}

func (p *Processor) setStatus(s Status) {
	p.statusMu.Lock()
	p.status = s
	p.statusMu.Unlock()
}

func (p *Processor) publishQueueDepth() {
	p.metrics.SetGauge("queue_depth", float64(p.queue.Len()), nil, "Messages waiting to be sent")
}

// ValidateDraft checks that a draft can be sent.
func ValidateDraft(draft models.MessageDraft) error {
	if strings.TrimSpace(draft.ConversationID) == "" {
		return apperrors.NewValidationError("conversationId", "", "conversation id is required")
	}
	hasMedia := draft.MediaURL != nil && *draft.MediaURL != ""
	if strings.TrimSpace(draft.Content) == "" && !hasMedia {
		return apperrors.NewValidationError("content", "", "message needs content or media")
	}
	if len(draft.Content) > constants.MaxMessageContentLength {
		return apperrors.NewValidationError("content", "", fmt.Sprintf("message exceeds %d characters", constants.MaxMessageContentLength))
	}
	return nil
}
