package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"chatr/internal/models"
	"chatr/internal/privacy"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so log helpers include sensitive fields.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogOutbound logs a queued outbound message with privacy controls.
func LogOutbound(ctx context.Context, logger *logrus.Logger, msg models.QueuedMessage, message string) {
	fields := logrus.Fields{
		LogFieldDirection:      "outgoing",
		LogFieldMessageType:    msg.MessageType,
		LogFieldRetryCount:     msg.RetryCount,
		LogFieldMessageID:      privacy.MaskMessageID(msg.ID),
		LogFieldConversationID: privacy.MaskConversationID(msg.ConversationID),
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldMessageID] = msg.ID
		fields[LogFieldConversationID] = msg.ConversationID
		fields[LogFieldContent] = msg.Content
	}
	logger.WithFields(fields).Info(message)
}

// LogInbound logs an inbound event with privacy controls.
func LogInbound(ctx context.Context, logger *logrus.Logger, ev models.InboundEvent) {
	fields := logrus.Fields{
		LogFieldDirection:      "incoming",
		LogFieldEvent:          ev.Kind,
		LogFieldUserID:         privacy.MaskUserID(ev.OriginUserID),
		LogFieldConversationID: privacy.MaskConversationID(ev.ConversationID),
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldUserID] = ev.OriginUserID
		fields[LogFieldConversationID] = ev.ConversationID
		fields[LogFieldContent] = ev.Body
	}
	logger.WithFields(fields).Info("Inbound event")
}
