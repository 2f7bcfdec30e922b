package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	"chatr/internal/delivery"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/models"
	"chatr/internal/privacy"
)

// PresenterDeps are the outputs a Presenter drives. Any of them may be nil.
type PresenterDeps struct {
	Toaster  Toaster
	Sound    SoundPlayer
	OS       OSNotifier
	Focuser  WindowFocuser
	Profiles ProfileLookup
	Metrics  *metrics.Registry
}

// PresenterConfig tunes presentation.
type PresenterConfig struct {
	DismissAfter time.Duration
	Sound        bool
}

// Presenter turns inbound events and delivery outcomes into user-visible
// effects. It implements realtime.Sink and delivery.Notifier.
type Presenter struct {
	deps   PresenterDeps
	config PresenterConfig
	logger *logrus.Logger

	afterFunc func(d time.Duration, f func())

	mu                  sync.RWMutex
	focused             bool
	activeConversation  string
	permissionRequested bool
}

// NewPresenter creates a presenter. The window starts focused.
func NewPresenter(deps PresenterDeps, config PresenterConfig, logger *logrus.Logger) *Presenter {
	if config.DismissAfter <= 0 {
		config.DismissAfter = time.Duration(constants.DefaultNotificationDismissSec) * time.Second
	}
	if deps.OS == nil {
		deps.OS = NoopNotifier{}
	}
	return &Presenter{
		deps:    deps,
		config:  config,
		logger:  logger,
		focused: true,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// SetFocused records whether the app window has focus.
func (p *Presenter) SetFocused(focused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focused = focused
}

// Focused reports whether the app window has focus.
func (p *Presenter) Focused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.focused
}

// SetActiveConversation records the conversation open in the UI; "" means
// none.
func (p *Presenter) SetActiveConversation(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeConversation = conversationID
}

// ActiveConversation returns the conversation open in the UI.
func (p *Presenter) ActiveConversation() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeConversation
}

// EnsurePermission asks for OS notification permission once per session,
// and only while the user has not decided yet.
func (p *Presenter) EnsurePermission(ctx context.Context) Permission {
	p.mu.Lock()
	if p.permissionRequested {
		p.mu.Unlock()
		return p.deps.OS.Permission()
	}
	p.permissionRequested = true
	p.mu.Unlock()

	current := p.deps.OS.Permission()
	if current != PermissionDefault {
		return current
	}

	granted, err := p.deps.OS.RequestPermission(ctx)
	if err != nil {
		p.logger.WithError(err).Debug("Notification permission request failed")
		return current
	}
	p.logger.WithField("permission", granted).Info("Notification permission resolved")
	return granted
}

// Present shows an inbound event. Messages for the conversation already on
// screen produce nothing.
func (p *Presenter) Present(ctx context.Context, ev models.InboundEvent) {
	p.mu.RLock()
	focused := p.focused
	active := p.activeConversation
	p.mu.RUnlock()

	if ev.Kind == models.EventKindMessage && active != "" && ev.ConversationID == active {
		p.count(ev.Kind, "suppressed")
		return
	}

	title := p.title(ctx, ev)

	p.toast(Toast{
		Kind:           ToastInfo,
		Title:          title,
		Body:           ev.Body,
		ConversationID: ev.ConversationID,
	})
	p.playSound(ctx)

	if p.deps.OS.Permission() == PermissionGranted && !focused {
		p.notifyOS(ctx, ev, title)
	}
	p.count(ev.Kind, "shown")
}

// MessageQueued tells the user an offline message is waiting.
func (p *Presenter) MessageQueued(msg models.QueuedMessage) {
	p.toast(Toast{
		Kind:           ToastInfo,
		Title:          "You're offline",
		Body:           "Message will send when you reconnect",
		ConversationID: msg.ConversationID,
	})
}

// MessageSent confirms a delivered message.
func (p *Presenter) MessageSent(msg models.QueuedMessage) {
	p.toast(Toast{
		Kind:           ToastSuccess,
		Title:          "Message sent",
		ConversationID: msg.ConversationID,
	})
}

// DeliveryExhausted shows a failure toast with a Retry action.
func (p *Presenter) DeliveryExhausted(ex delivery.Exhaustion) {
	body := apperrors.GetUserMessage(ex.Err)
	if body == "" {
		body = "We couldn't deliver your message."
	}
	p.toast(Toast{
		Kind:           ToastError,
		Title:          "Message failed to send",
		Body:           body,
		ConversationID: ex.Message.ConversationID,
		Actions: []ToastAction{{
			Name:  "retry",
			Label: "Retry",
			Run:   ex.Retry,
		}},
	})
}

func (p *Presenter) title(ctx context.Context, ev models.InboundEvent) string {
	if ev.Kind != models.EventKindMessage || p.deps.Profiles == nil || ev.OriginUserID == "" {
		return ev.Title
	}
	name, err := p.deps.Profiles.DisplayName(ctx, ev.OriginUserID)
	if err != nil || name == "" {
		if err != nil {
			p.logger.WithError(err).WithField("user_id", privacy.MaskUserID(ev.OriginUserID)).Debug("Profile lookup failed")
		}
		return ev.Title
	}
	return "New message from " + name
}

func (p *Presenter) toast(t Toast) {
	if p.deps.Toaster == nil {
		return
	}
	p.deps.Toaster.Show(t)
}

func (p *Presenter) playSound(ctx context.Context) {
	if !p.config.Sound || p.deps.Sound == nil {
		return
	}
	if err := p.deps.Sound.Play(ctx); err != nil {
		p.logger.WithError(err).Debug("Notification sound failed")
	}
}

func (p *Presenter) notifyOS(ctx context.Context, ev models.InboundEvent, title string) {
	var (
		once   sync.Once
		handle Handle
		hmu    sync.Mutex
	)
	closeHandle := func() {
		hmu.Lock()
		h := handle
		hmu.Unlock()
		if h == nil {
			return
		}
		once.Do(func() {
			if err := h.Close(); err != nil {
				p.logger.WithError(err).Debug("Closing notification failed")
			}
		})
	}

	tag := ev.ConversationID
	if tag == "" {
		tag = string(ev.Kind)
	}

	h, err := p.deps.OS.Notify(ctx, OSNotification{
		Title: title,
		Body:  ev.Body,
		Tag:   tag,
		Data: map[string]string{
			"kind":           string(ev.Kind),
			"conversationId": ev.ConversationID,
		},
		OnClick: func() {
			if p.deps.Focuser != nil {
				if err := p.deps.Focuser.Focus(); err != nil {
					p.logger.WithError(err).Debug("Focusing window failed")
				}
			}
			closeHandle()
		},
	})
	if err != nil {
		p.logger.WithError(err).Debug("OS notification failed")
		return
	}

	hmu.Lock()
	handle = h
	hmu.Unlock()
	p.afterFunc(p.config.DismissAfter, closeHandle)
}

func (p *Presenter) count(kind models.EventKind, outcome string) {
	p.deps.Metrics.IncrementCounter("notifications_total", map[string]string{
		"kind":    string(kind),
		"outcome": outcome,
	}, "Inbound events by presentation outcome")
}
