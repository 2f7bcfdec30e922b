package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chatr/internal/constants"
	"chatr/internal/delivery"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/models"
	"chatr/internal/notify"
	"chatr/internal/privacy"
	"chatr/internal/queue"
	"chatr/internal/realtime"
)

// Backend is everything a session needs from the remote backend.
// *backend.Client satisfies it.
type Backend interface {
	delivery.Sender
	realtime.ParticipationChecker
	notify.ProfileLookup
	PushRelay
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Store   queue.BlobStore
	Backend Backend
	Feed    realtime.Feed
	Network delivery.Connectivity
	Toaster notify.Toaster
	Sound   notify.SoundPlayer
	OS      notify.OSNotifier
	Focuser notify.WindowFocuser
	Metrics *metrics.Registry
	Config  *models.Config
	Verbose bool
	Logger  *logrus.Logger
}

// Session is one authenticated identity: its outbound queue, the processor
// draining it, the listener subscribed for it and the presenter showing
// both.
type Session struct {
	identity  models.Identity
	deps      Deps
	logger    *logrus.Logger
	queue     *queue.Queue
	processor *delivery.Processor
	presenter *notify.Presenter
	presence  *realtime.PresenceTracker
	listener  *realtime.Listener
	monitor   *QueueMonitor
	notifier  *pushingNotifier

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewSession loads the identity's queue and wires its components. Nothing
// runs until Start.
func NewSession(ctx context.Context, deps Deps, identity models.Identity) (*Session, error) {
	if identity.Empty() {
		return nil, apperrors.NewValidationError("userId", "", "user id is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Config == nil {
		deps.Config = &models.Config{}
	}
	cfg := deps.Config

	q, err := queue.New(ctx, deps.Store, identity.UserID, deps.Logger)
	if err != nil {
		return nil, err
	}

	presenter := notify.NewPresenter(notify.PresenterDeps{
		Toaster:  deps.Toaster,
		Sound:    deps.Sound,
		OS:       deps.OS,
		Focuser:  deps.Focuser,
		Profiles: deps.Backend,
		Metrics:  deps.Metrics,
	}, notify.PresenterConfig{
		DismissAfter: time.Duration(cfg.Notifications.DismissAfterSec) * time.Second,
		Sound:        cfg.Notifications.Sound,
	}, deps.Logger)

	s := &Session{
		identity:  identity,
		deps:      deps,
		logger:    deps.Logger,
		queue:     q,
		presenter: presenter,
	}

	s.notifier = &pushingNotifier{
		next:    presenter,
		relay:   deps.Backend,
		selfID:  identity.UserID,
		enabled: cfg.Backend.PushEnabled,
		logger:  deps.Logger,
		ctx:     context.WithoutCancel(ctx),
	}

	s.processor = delivery.NewProcessor(q, deps.Backend, deps.Network, s.notifier, delivery.Config{
		MaxRetries: cfg.Delivery.MaxRetries,
		RetryDelay: time.Duration(cfg.Delivery.RetryDelayMs) * time.Millisecond,
		Metrics:    deps.Metrics,
	}, identity.UserID, deps.Logger)

	s.presence = realtime.NewPresenceTracker(time.Duration(cfg.Presence.GracePeriodMs) * time.Millisecond)
	opts := []realtime.ListenerOption{
		realtime.WithPresence(s.presence),
		realtime.WithMetrics(deps.Metrics),
	}
	if cfg.Backend.Schema != "" {
		opts = append(opts, realtime.WithSchema(cfg.Backend.Schema))
	}
	s.listener = realtime.NewListener(deps.Feed, deps.Backend, &loggingSink{
		next:    presenter,
		logger:  deps.Logger,
		verbose: deps.Verbose,
	}, deps.Logger, opts...)

	s.monitor = NewQueueMonitor(q, s.processor,
		time.Duration(constants.DefaultQueueMonitorSec)*time.Second,
		time.Duration(constants.DefaultStaleQueueSec)*time.Second,
		deps.Metrics, deps.Logger)

	return s, nil
}

// Start subscribes the listener, asks for notification permission and
// starts draining. Subscription failures are logged, not returned: the
// session still delivers outbound messages without an inbound feed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "session is closed")
	}
	if s.started {
		return nil
	}

	if err := s.listener.SetIdentity(ctx, s.identity.UserID); err != nil {
		s.logger.WithError(err).WithField(LogFieldUserID, privacy.MaskUserID(s.identity.UserID)).
			Warn("Some realtime subscriptions failed")
	}

	if s.deps.Config.Notifications.Desktop {
		s.presenter.EnsurePermission(ctx)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.processor.Start(runCtx); err != nil {
		cancel()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return s.monitor.Run(groupCtx)
	})

	s.cancel = cancel
	s.group = group
	s.started = true

	s.logger.WithFields(logrus.Fields{
		LogFieldSession: privacy.MaskUserID(s.identity.UserID),
		"pending":       s.queue.Len(),
	}).Info("Session started")
	return nil
}

// Close unsubscribes, stops draining and waits for in-flight work. The
// queue stays persisted for the next login.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	err := s.listener.Close(ctx)
	s.processor.Stop()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if groupErr := group.Wait(); groupErr != nil && err == nil {
			err = groupErr
		}
	}
	s.presence.Close()
	s.notifier.wait()

	s.logger.WithField(LogFieldSession, privacy.MaskUserID(s.identity.UserID)).Info("Session closed")
	return err
}

// Identity returns the user this session runs as.
func (s *Session) Identity() models.Identity {
	return s.identity
}

// Send queues a message for delivery.
func (s *Session) Send(ctx context.Context, draft models.MessageDraft) (models.QueuedMessage, error) {
	msg, err := s.processor.Send(ctx, draft)
	if err != nil {
		return models.QueuedMessage{}, err
	}
	LogOutbound(WithVerbose(ctx, s.deps.Verbose), s.logger, msg, "Message queued")
	return msg, nil
}

// SendDirect inserts a message without going through the queue, retrying
// transient failures.
func (s *Session) SendDirect(ctx context.Context, draft models.MessageDraft) error {
	if err := delivery.ValidateDraft(draft); err != nil {
		return err
	}
	msg := models.QueuedMessage{
		ConversationID: draft.ConversationID,
		Content:        draft.Content,
		MediaURL:       draft.MediaURL,
		MessageType:    draft.MessageType,
		CreatedAt:      time.Now(),
	}
	if msg.MessageType == "" {
		msg.MessageType = constants.DefaultOutboundMessageType
	}

	row := msg.Row(s.identity.UserID, constants.OutboundMessageStatus)
	if err := delivery.SendWithRetry(ctx, s.deps.Backend, row, s.deps.Config.Delivery.SendRetry, s.logger); err != nil {
		return err
	}
	LogOutbound(WithVerbose(ctx, s.deps.Verbose), s.logger, msg, "Message sent directly")
	return nil
}

// Queue lists the messages waiting to be sent, oldest first.
func (s *Session) Queue() []models.QueuedMessage {
	return s.queue.All()
}

// ClearQueue drops every queued message.
func (s *Session) ClearQueue(ctx context.Context) error {
	if err := s.queue.Clear(ctx); err != nil {
		return err
	}
	s.deps.Metrics.SetGauge("queue_depth", 0, nil, "Messages waiting to be sent")
	s.logger.WithField(LogFieldSession, privacy.MaskUserID(s.identity.UserID)).Info("Outbound queue cleared")
	return nil
}

// Status reports what the processor is doing.
func (s *Session) Status() delivery.Status {
	return s.processor.Status()
}

// Presenter exposes focus and active-conversation controls.
func (s *Session) Presenter() *notify.Presenter {
	return s.presenter
}

// Presence returns who is online right now.
func (s *Session) Presence() models.PresenceSnapshot {
	return s.presence.Snapshot()
}

// loggingSink logs each inbound event before presenting it.
type loggingSink struct {
	next    realtime.Sink
	logger  *logrus.Logger
	verbose bool
}

func (l *loggingSink) Present(ctx context.Context, ev models.InboundEvent) {
	LogInbound(WithVerbose(ctx, l.verbose), l.logger, ev)
	l.next.Present(ctx, ev)
}
