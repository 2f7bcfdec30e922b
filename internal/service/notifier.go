package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	"chatr/internal/delivery"
	"chatr/internal/models"
	"chatr/internal/privacy"
)

// PushRelay sends push notifications for closed clients.
type PushRelay interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
	SendPush(ctx context.Context, req models.PushRequest) error
}

// pushingNotifier forwards delivery outcomes to the presenter and, after a
// successful send, asks the relay to alert the other participants.
type pushingNotifier struct {
	next    delivery.Notifier
	relay   PushRelay
	selfID  string
	enabled bool
	logger  *logrus.Logger
	ctx     context.Context
	wg      sync.WaitGroup
}

func (n *pushingNotifier) MessageQueued(msg models.QueuedMessage) {
	n.next.MessageQueued(msg)
}

func (n *pushingNotifier) DeliveryExhausted(ex delivery.Exhaustion) {
	n.next.DeliveryExhausted(ex)
}

func (n *pushingNotifier) MessageSent(msg models.QueuedMessage) {
	n.next.MessageSent(msg)
	if !n.enabled || n.relay == nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, time.Duration(constants.DefaultPushTimeoutSec)*time.Second)
		defer cancel()
		n.push(ctx, msg)
	}()
}

func (n *pushingNotifier) push(ctx context.Context, msg models.QueuedMessage) {
	participants, err := n.relay.Participants(ctx, msg.ConversationID)
	if err != nil {
		n.logger.WithError(err).Debug("Push relay skipped, participant lookup failed")
		return
	}

	recipients := make([]string, 0, len(participants))
	for _, id := range participants {
		if id != n.selfID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	body := msg.Content
	if len([]rune(body)) > constants.NotificationPreviewLength {
		body = string([]rune(body)[:constants.NotificationPreviewLength]) + "..."
	}

	err = n.relay.SendPush(ctx, models.PushRequest{
		UserIDs: recipients,
		Title:   "New message",
		Body:    body,
		Data: map[string]string{
			"conversationId": msg.ConversationID,
			"senderId":       n.selfID,
		},
	})
	if err != nil {
		n.logger.WithError(err).WithField(LogFieldConversationID, privacy.MaskConversationID(msg.ConversationID)).
			Debug("Push relay failed")
	}
}

func (n *pushingNotifier) wait() {
	n.wg.Wait()
}
