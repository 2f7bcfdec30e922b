package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatr/internal/delivery"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/models"
)

type mockOSNotifier struct {
	mock.Mock
	mu   sync.Mutex
	last OSNotification
}

func (m *mockOSNotifier) Permission() Permission {
	return m.Called().Get(0).(Permission)
}

func (m *mockOSNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	args := m.Called(ctx)
	return args.Get(0).(Permission), args.Error(1)
}

func (m *mockOSNotifier) Notify(ctx context.Context, n OSNotification) (Handle, error) {
	m.mu.Lock()
	m.last = n
	m.mu.Unlock()
	args := m.Called(ctx, n)
	h, _ := args.Get(0).(Handle)
	return h, args.Error(1)
}

type countingHandle struct {
	mu     sync.Mutex
	closed int
}

func (h *countingHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *countingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeSound struct {
	plays int
	err   error
}

func (f *fakeSound) Play(context.Context) error {
	f.plays++
	return f.err
}

type fakeProfiles map[string]string

func (f fakeProfiles) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := f[userID]
	if !ok {
		return "", errors.New("no such profile")
	}
	return name, nil
}

type harness struct {
	presenter *Presenter
	toasts    *ToastCenter
	sound     *fakeSound
	os        *mockOSNotifier
	focuses   int
	timers    []func()
	metrics   *metrics.Registry
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newHarness(permission Permission) *harness {
	h := &harness{
		toasts:  NewToastCenter(10, quietLogger()),
		sound:   &fakeSound{},
		os:      &mockOSNotifier{},
		metrics: metrics.NewRegistry(),
	}
	h.os.On("Permission").Return(permission).Maybe()
	h.presenter = NewPresenter(PresenterDeps{
		Toaster:  h.toasts,
		Sound:    h.sound,
		OS:       h.os,
		Focuser:  FocusFunc(func() error { h.focuses++; return nil }),
		Profiles: fakeProfiles{"u2": "Dana"},
		Metrics:  h.metrics,
	}, PresenterConfig{DismissAfter: 5 * time.Second, Sound: true}, quietLogger())
	h.presenter.afterFunc = func(d time.Duration, f func()) {
		h.timers = append(h.timers, f)
	}
	return h
}

func messageEvent(conversationID string) models.InboundEvent {
	return models.InboundEvent{
		Kind:           models.EventKindMessage,
		OriginUserID:   "u2",
		ConversationID: conversationID,
		Title:          "New message",
		Body:           "hello",
	}
}

func TestPresent_ActiveConversationIsSuppressed(t *testing.T) {
	h := newHarness(PermissionGranted)
	h.presenter.SetFocused(false)
	h.presenter.SetActiveConversation("c1")

	h.presenter.Present(context.Background(), messageEvent("c1"))

	assert.Empty(t, h.toasts.List())
	assert.Equal(t, 0, h.sound.plays)
	h.os.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, h.metrics.CounterValue("notifications_total", map[string]string{"kind": "message", "outcome": "suppressed"}))
}

func TestPresent_FocusedShowsToastOnly(t *testing.T) {
	h := newHarness(PermissionGranted)
	h.presenter.SetActiveConversation("other")

	h.presenter.Present(context.Background(), messageEvent("c1"))

	toasts := h.toasts.List()
	require.Len(t, toasts, 1)
	assert.Equal(t, "New message from Dana", toasts[0].Title)
	assert.Equal(t, "hello", toasts[0].Body)
	assert.Equal(t, 1, h.sound.plays)
	h.os.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestPresent_UnfocusedGrantedShowsOSNotification(t *testing.T) {
	h := newHarness(PermissionGranted)
	h.presenter.SetFocused(false)
	handle := &countingHandle{}
	h.os.On("Notify", mock.Anything, mock.Anything).Return(handle, nil).Once()

	h.presenter.Present(context.Background(), messageEvent("c1"))

	h.os.AssertExpectations(t)
	assert.Equal(t, "c1", h.os.last.Data["conversationId"])
	assert.Equal(t, "c1", h.os.last.Tag)
	require.Len(t, h.timers, 1)

	h.timers[0]()
	assert.Equal(t, 1, handle.count())
}

func TestPresent_ClickFocusesAndCloses(t *testing.T) {
	h := newHarness(PermissionGranted)
	h.presenter.SetFocused(false)
	handle := &countingHandle{}
	h.os.On("Notify", mock.Anything, mock.Anything).Return(handle, nil).Once()

	h.presenter.Present(context.Background(), messageEvent("c1"))
	h.os.last.OnClick()
	h.timers[0]()

	assert.Equal(t, 1, h.focuses)
	assert.Equal(t, 1, handle.count())
}

func TestPresent_DeniedPermissionSkipsOS(t *testing.T) {
	h := newHarness(PermissionDenied)
	h.presenter.SetFocused(false)

	h.presenter.Present(context.Background(), messageEvent("c1"))

	assert.Len(t, h.toasts.List(), 1)
	h.os.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestPresent_FailuresAreSwallowed(t *testing.T) {
	h := newHarness(PermissionGranted)
	h.presenter.SetFocused(false)
	h.sound.err = errors.New("no audio device")
	h.os.On("Notify", mock.Anything, mock.Anything).Return(nil, errors.New("dbus down")).Once()

	ev := messageEvent("c1")
	ev.OriginUserID = "unknown"

	assert.NotPanics(t, func() { h.presenter.Present(context.Background(), ev) })

	toasts := h.toasts.List()
	require.Len(t, toasts, 1)
	assert.Equal(t, "New message", toasts[0].Title)
	assert.Empty(t, h.timers)
}

func TestPresent_AppointmentIgnoresActiveConversation(t *testing.T) {
	h := newHarness(PermissionDenied)
	h.presenter.SetActiveConversation("c1")

	h.presenter.Present(context.Background(), models.InboundEvent{
		Kind:  models.EventKindAppointment,
		Title: "Appointment Confirmed",
	})

	toasts := h.toasts.List()
	require.Len(t, toasts, 1)
	assert.Equal(t, "Appointment Confirmed", toasts[0].Title)
}

func TestEnsurePermission_RequestsOnce(t *testing.T) {
	os := &mockOSNotifier{}
	os.On("Permission").Return(PermissionDefault).Once()
	os.On("RequestPermission", mock.Anything).Return(PermissionGranted, nil).Once()
	os.On("Permission").Return(PermissionGranted)
	p := NewPresenter(PresenterDeps{OS: os}, PresenterConfig{}, quietLogger())

	assert.Equal(t, PermissionGranted, p.EnsurePermission(context.Background()))
	assert.Equal(t, PermissionGranted, p.EnsurePermission(context.Background()))

	os.AssertNumberOfCalls(t, "RequestPermission", 1)
}

func TestEnsurePermission_DecidedIsLeftAlone(t *testing.T) {
	os := &mockOSNotifier{}
	os.On("Permission").Return(PermissionDenied)
	p := NewPresenter(PresenterDeps{OS: os}, PresenterConfig{}, quietLogger())

	assert.Equal(t, PermissionDenied, p.EnsurePermission(context.Background()))
	os.AssertNotCalled(t, "RequestPermission", mock.Anything)
}

func TestDeliveryToasts(t *testing.T) {
	h := newHarness(PermissionDenied)
	msg := models.QueuedMessage{ID: "m1", ConversationID: "c1", Content: "hi"}

	h.presenter.MessageQueued(msg)
	h.presenter.MessageSent(msg)

	retried := 0
	exhaustedErr := apperrors.NewDeliveryExhaustedError("m1", 3, errors.New("500"))
	h.presenter.DeliveryExhausted(delivery.NewExhaustion(msg, exhaustedErr, func(context.Context) error {
		retried++
		return nil
	}))

	toasts := h.toasts.List()
	require.Len(t, toasts, 3)
	assert.Equal(t, "You're offline", toasts[0].Title)
	assert.Equal(t, ToastSuccess, toasts[1].Kind)
	assert.Equal(t, ToastError, toasts[2].Kind)
	require.Len(t, toasts[2].Actions, 1)
	assert.Equal(t, "retry", toasts[2].Actions[0].Name)

	require.NoError(t, h.toasts.Invoke(context.Background(), toasts[2].ID, "retry"))
	assert.Equal(t, 1, retried)
	assert.Len(t, h.toasts.List(), 2)
}

func TestNewPresenter_Defaults(t *testing.T) {
	p := NewPresenter(PresenterDeps{}, PresenterConfig{}, quietLogger())

	assert.Equal(t, 5*time.Second, p.config.DismissAfter)
	assert.True(t, p.Focused())
	assert.NotPanics(t, func() {
		p.SetFocused(false)
		p.Present(context.Background(), messageEvent("c1"))
	})
}
