package backend

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/internal/realtime"
	"chatr/internal/retry"
)

// RealtimeConfig configures the websocket client.
type RealtimeConfig struct {
	URL         string
	AnonKey     string
	AccessToken string
	PresenceKey string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
	EventBuffer int
	Reconnect   retry.BackoffConfig
}

// DefaultReconnectConfig backs off from one second up to thirty with jitter.
func DefaultReconnectConfig() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRealtimeReconnectMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultRealtimeMaxReconnectSec) * time.Second,
		Multiplier:   2,
		MaxAttempts:  1,
		Jitter:       true,
	}
}

type channel struct {
	sub     realtime.Subscription
	topic   string
	filter  realtime.Filter
	handler realtime.Handler
	joinRef string
	joining chan struct{}
}

// topicEvent is a change frame waiting for its channel handler.
type topicEvent struct {
	topic string
	event models.ChangeEvent
}

// RealtimeClient is a Phoenix-protocol client for the Realtime service. It
// implements realtime.Feed, keeps one channel per subscription and rejoins
// them after every reconnect. Handlers run on one worker per connection, in
// frame order, so a slow handler never holds up join replies.
type RealtimeClient struct {
	config  RealtimeConfig
	logger  *logrus.Logger
	backoff *retry.Backoff
	ref     atomic.Uint64

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	accessToken string
	presenceKey string
	channels    map[string]*channel
	pending     map[string]chan replyPayload
	listeners   []func(connected bool)
}

// NewRealtimeClient creates a client; call Run to connect.
func NewRealtimeClient(config RealtimeConfig, logger *logrus.Logger) *RealtimeClient {
	if config.Heartbeat <= 0 {
		config.Heartbeat = time.Duration(constants.DefaultRealtimeHeartbeatSec) * time.Second
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = time.Duration(constants.DefaultRealtimeJoinTimeoutSec) * time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = constants.DefaultRealtimeEventBuffer
	}
	if config.Reconnect.InitialDelay <= 0 {
		config.Reconnect = DefaultReconnectConfig()
	}
	return &RealtimeClient{
		config:      config,
		logger:      logger,
		backoff:     retry.NewBackoff(config.Reconnect),
		accessToken: config.AccessToken,
		presenceKey: config.PresenceKey,
		channels:    make(map[string]*channel),
		pending:     make(map[string]chan replyPayload),
	}
}

// OnStateChange registers fn to hear about connects and disconnects.
func (c *RealtimeClient) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Connected reports whether the websocket is up.
func (c *RealtimeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetAccessToken is used for joins from now on.
func (c *RealtimeClient) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetCredentials switches the identity used for future joins. Channels that
// are already joined keep the credentials they joined with.
func (c *RealtimeClient) SetCredentials(userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
	c.presenceKey = userID
}

// Run keeps the connection alive until ctx is cancelled.
func (c *RealtimeClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		attempt++
		delay := c.backoff.GetNextDelay(attempt)
		c.logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("Realtime connection lost, reconnecting")

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session dials once and serves the connection until it fails. It reports
// whether the dial succeeded.
func (c *RealtimeClient) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{"apikey": []string{c.config.AnonKey}},
	})
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeRealtimeTransport, "realtime dial failed")
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("Realtime connected")
	c.publishState(true)

	events := make(chan topicEvent, c.config.EventBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn, events) })
	g.Go(func() error { return c.handlerLoop(gctx, events) })
	g.Go(func() error { return c.heartbeatLoop(gctx, conn) })
	g.Go(func() error {
		c.rejoinAll(gctx)
		return nil
	})
	err = g.Wait()

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	for _, ch := range c.channels {
		ch.joinRef = ""
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Info("Realtime disconnected")
	c.publishState(false)
	return true, err
}

// Subscribe registers a channel and joins it if connected. While offline
// the join is deferred until the next connect.
func (c *RealtimeClient) Subscribe(ctx context.Context, filter realtime.Filter, handler realtime.Handler) (realtime.Subscription, error) {
	if filter.Topic == "" {
		return realtime.Subscription{}, apperrors.New(apperrors.ErrCodeInvalidInput, "subscription topic is required")
	}

	ch := &channel{
		sub:     realtime.Subscription{ID: topicPrefix + filter.Topic, Topic: filter.Topic},
		topic:   topicPrefix + filter.Topic,
		filter:  filter,
		handler: handler,
	}

	c.mu.Lock()
	if _, exists := c.channels[ch.topic]; exists {
		c.mu.Unlock()
		return realtime.Subscription{}, apperrors.New(apperrors.ErrCodeInvalidInput, "topic already subscribed").
			WithContext("topic", filter.Topic)
	}
	c.channels[ch.topic] = ch
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return ch.sub, nil
	}
	if err := c.join(ctx, ch); err != nil {
		c.mu.Lock()
		delete(c.channels, ch.topic)
		c.mu.Unlock()
		return realtime.Subscription{}, err
	}
	return ch.sub, nil
}

// Unsubscribe leaves the channel. It does not wait for the server.
func (c *RealtimeClient) Unsubscribe(ctx context.Context, sub realtime.Subscription) error {
	c.mu.Lock()
	ch, ok := c.channels[sub.ID]
	joinRef := ""
	if ok {
		joinRef = ch.joinRef
		delete(c.channels, sub.ID)
	}
	conn := c.conn
	c.mu.Unlock()

	if !ok || conn == nil || joinRef == "" {
		return nil
	}
	return c.send(ctx, conn, phxMessage{
		Topic:   ch.topic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     c.nextRef(),
		JoinRef: joinRef,
	})
}

func (c *RealtimeClient) rejoinAll(ctx context.Context) {
	c.mu.Lock()
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].topic < channels[j].topic })
	for _, ch := range channels {
		if err := c.join(ctx, ch); err != nil {
			apperrors.WrapLogger(c.logger).LogWarn(err, "Realtime rejoin failed", logrus.Fields{
				"topic": ch.filter.Topic,
			})
		}
	}
}

// join joins ch on the current connection. Only one join per channel is on
// the wire at a time; a caller that finds one in flight waits for it and
// joins again only if it did not take.
func (c *RealtimeClient) join(ctx context.Context, ch *channel) error {
	for {
		c.mu.Lock()
		conn := c.conn
		if conn == nil || ch.joinRef != "" {
			c.mu.Unlock()
			return nil
		}
		if wait := ch.joining; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		ch.joining = done
		token := c.accessToken
		presenceKey := c.presenceKey
		c.mu.Unlock()

		err := c.joinOnce(ctx, conn, ch, token, presenceKey)

		c.mu.Lock()
		ch.joining = nil
		c.mu.Unlock()
		close(done)
		return err
	}
}

func (c *RealtimeClient) joinOnce(ctx context.Context, conn *websocket.Conn, ch *channel, token, presenceKey string) error {
	payload, err := json.Marshal(c.joinPayload(ch.filter, token, presenceKey))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode join")
	}

	ref := c.nextRef()
	replyCh := make(chan replyPayload, 1)
	c.mu.Lock()
	c.pending[ref] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	msg := phxMessage{Topic: ch.topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref}
	if err := c.send(ctx, conn, msg); err != nil {
		return apperrors.NewSubscribeError(ch.filter.Topic, err)
	}

	timer := time.NewTimer(c.config.JoinTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return apperrors.NewSubscribeError(ch.filter.Topic, stderrors.New("connection closed before join reply"))
		}
		if reply.Status != "ok" {
			return apperrors.NewSubscribeError(ch.filter.Topic, fmt.Errorf("join rejected: %s", strings.TrimSpace(string(reply.Response))))
		}
	case <-timer.C:
		return apperrors.NewSubscribeError(ch.filter.Topic, stderrors.New("join timed out"))
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	// A reply racing a reconnect belongs to the old socket; the rejoin on the
	// new one takes over.
	if c.conn == conn {
		ch.joinRef = ref
	}
	c.mu.Unlock()

	c.logger.WithField("topic", ch.filter.Topic).Debug("Realtime channel joined")
	return nil
}

func (c *RealtimeClient) joinPayload(filter realtime.Filter, token, presenceKey string) joinPayload {
	payload := joinPayload{AccessToken: token}
	if filter.Table == "" {
		payload.Config.Presence = &presenceConfig{Key: presenceKey}
		return payload
	}

	event := string(filter.Event)
	if event == "" {
		event = string(models.ChangeAll)
	}
	schema := filter.Schema
	if schema == "" {
		schema = constants.DefaultRealtimeSchema
	}
	payload.Config.PostgresChanges = []postgresChangeSpec{{
		Event:  event,
		Schema: schema,
		Table:  filter.Table,
		Filter: filter.Expression(),
	}}
	return payload
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- topicEvent) error {
	for {
		var msg phxMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Wrap(err, apperrors.ErrCodeRealtimeTransport, "realtime read failed")
		}
		c.dispatch(ctx, msg, events)
	}
}

func (c *RealtimeClient) handlerLoop(ctx context.Context, events <-chan topicEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case te := <-events:
			c.deliver(ctx, te.topic, te.event)
		}
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.send(ctx, conn, phxMessage{
				Topic:   phoenixTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			})
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeRealtimeTransport, "realtime heartbeat failed")
			}
		}
	}
}

func (c *RealtimeClient) dispatch(ctx context.Context, msg phxMessage, events chan<- topicEvent) {
	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed reply")
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.Ref]
		c.mu.Unlock()
		if ok {
			ch <- reply
		}

	case eventChanges:
		var payload changesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed change event")
			return
		}
		c.enqueue(ctx, events, msg.Topic, models.ChangeEvent{
			Schema:          payload.Data.Schema,
			Table:           payload.Data.Table,
			Type:            models.ChangeType(payload.Data.Type),
			Record:          payload.Data.Record,
			OldRecord:       payload.Data.OldRecord,
			CommitTimestamp: payload.Data.CommitTimestamp,
		})

	case eventPresence:
		var state map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed presence state")
			return
		}
		c.enqueue(ctx, events, msg.Topic, presenceEvent(models.ChangePresenceSync, state))

	case eventDiff:
		var diff presenceDiffPayload
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed presence diff")
			return
		}
		if len(diff.Joins) > 0 {
			c.enqueue(ctx, events, msg.Topic, presenceEvent(models.ChangePresenceJoin, diff.Joins))
		}
		if len(diff.Leaves) > 0 {
			c.enqueue(ctx, events, msg.Topic, presenceEvent(models.ChangePresenceLeave, diff.Leaves))
		}

	case eventError, eventClose:
		c.mu.Lock()
		if ch, ok := c.channels[msg.Topic]; ok && msg.JoinRef == ch.joinRef {
			ch.joinRef = ""
		}
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"topic": strings.TrimPrefix(msg.Topic, topicPrefix),
			"event": msg.Event,
		}).Warn("Realtime channel closed by server")
	}
}

// enqueue hands an event to the handler worker. A full buffer blocks the
// read loop until the worker catches up.
func (c *RealtimeClient) enqueue(ctx context.Context, events chan<- topicEvent, topic string, ev models.ChangeEvent) {
	select {
	case events <- topicEvent{topic: topic, event: ev}:
	case <-ctx.Done():
	}
}

func (c *RealtimeClient) deliver(ctx context.Context, topic string, ev models.ChangeEvent) {
	c.mu.Lock()
	ch, ok := c.channels[topic]
	c.mu.Unlock()
	if !ok || ch.handler == nil {
		return
	}
	ev.Topic = ch.filter.Topic
	ch.handler(ctx, ev)
}

func (c *RealtimeClient) send(ctx context.Context, conn *websocket.Conn, msg phxMessage) error {
	if msg.Payload == nil {
		msg.Payload = json.RawMessage(`{}`)
	}
	return wsjson.Write(ctx, conn, msg)
}

func (c *RealtimeClient) publishState(connected bool) {
	c.mu.Lock()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

func (c *RealtimeClient) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *RealtimeClient) endpoint() string {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return c.config.URL
	}
	query := u.Query()
	if c.config.AnonKey != "" {
		query.Set("apikey", c.config.AnonKey)
	}
	query.Set("vsn", constants.RealtimeProtocolVersion)
	u.RawQuery = query.Encode()
	return u.String()
}

func presenceEvent(kind models.ChangeType, entries map[string]json.RawMessage) models.ChangeEvent {
	ids := make([]string, 0, len(entries))
	for key := range entries {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	record, _ := json.Marshal(models.PresenceRecord{UserIDs: ids})
	return models.ChangeEvent{Type: kind, Record: record}
}
