package service

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"chatr/internal/models"
	"chatr/internal/realtime"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fakeBackend struct {
	mu           sync.Mutex
	inserted     []models.MessageRow
	pushes       []models.PushRequest
	insertErr    error
	participants []string
	names        map[string]string
}

func (f *fakeBackend) InsertMessage(_ context.Context, row models.MessageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, row)
	return nil
}

func (f *fakeBackend) IsParticipant(_ context.Context, _, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.participants {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) DisplayName(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("unknown user")
}

func (f *fakeBackend) Participants(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.participants...), nil
}

func (f *fakeBackend) SendPush(_ context.Context, req models.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	return nil
}

func (f *fakeBackend) insertedRows() []models.MessageRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MessageRow(nil), f.inserted...)
}

func (f *fakeBackend) pushRequests() []models.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PushRequest(nil), f.pushes...)
}

type fakeFeed struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]realtime.Handler
	filters  map[string]realtime.Filter
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers: make(map[string]realtime.Handler),
		filters:  make(map[string]realtime.Filter),
	}
}

func (f *fakeFeed) Subscribe(_ context.Context, filter realtime.Filter, handler realtime.Handler) (realtime.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.handlers[id] = handler
	f.filters[id] = filter
	return realtime.Subscription{ID: id, Topic: filter.Topic}, nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, sub realtime.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, sub.ID)
	delete(f.filters, sub.ID)
	return nil
}

func (f *fakeFeed) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.filters))
	for _, filter := range f.filters {
		topics = append(topics, filter.Topic)
	}
	return topics
}

func (f *fakeFeed) emit(ctx context.Context, table string, ev models.ChangeEvent) {
	f.mu.Lock()
	var targets []realtime.Handler
	for id, filter := range f.filters {
		if filter.Table == table {
			targets = append(targets, f.handlers[id])
		}
	}
	f.mu.Unlock()
	for _, h := range targets {
		h(ctx, ev)
	}
}

type fakeCredentials struct {
	mu     sync.Mutex
	userID string
	token  string
	calls  int
}

func (f *fakeCredentials) SetCredentials(userID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = userID
	f.token = token
	f.calls++
}

func (f *fakeCredentials) current() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.token
}
