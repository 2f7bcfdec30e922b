package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatr/internal/models"
	"chatr/internal/realtime"
	"chatr/internal/retry"
)

// fakeRealtime is a minimal Phoenix server: it acknowledges joins and lets
// the test push frames to the client.
type fakeRealtime struct {
	t      *testing.T
	mu     sync.Mutex
	conns  []*websocket.Conn
	joins  []phxMessage
	leaves []phxMessage
	reject map[string]bool
	query  chan string
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *httptest.Server) {
	f := &fakeRealtime{t: t, reject: make(map[string]bool), query: make(chan string, 4)}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeRealtime) serve(w http.ResponseWriter, r *http.Request) {
	select {
	case f.query <- r.URL.RawQuery:
	default:
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	ctx := r.Context()
	for {
		var msg phxMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Event {
		case eventJoin:
			f.mu.Lock()
			f.joins = append(f.joins, msg)
			status := "ok"
			if f.reject[msg.Topic] {
				status = "error"
			}
			f.mu.Unlock()
			payload, _ := json.Marshal(replyPayload{Status: status, Response: json.RawMessage(`{}`)})
			_ = wsjson.Write(ctx, conn, phxMessage{Topic: msg.Topic, Event: eventReply, Payload: payload, Ref: msg.Ref})
		case eventLeave:
			f.mu.Lock()
			f.leaves = append(f.leaves, msg)
			f.mu.Unlock()
		}
	}
}

func (f *fakeRealtime) push(msg phxMessage) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(f.t, wsjson.Write(context.Background(), conn, msg))
}

func (f *fakeRealtime) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close(websocket.StatusGoingAway, "bye")
	}
}

func (f *fakeRealtime) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeRealtime) lastJoin() phxMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[len(f.joins)-1]
}

func startClient(t *testing.T, server *httptest.Server) (*RealtimeClient, chan bool) {
	t.Helper()
	client := NewRealtimeClient(RealtimeConfig{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/v1/websocket",
		AnonKey:     "anon",
		AccessToken: "token",
		PresenceKey: "me",
		Heartbeat:   time.Hour,
		JoinTimeout: 2 * time.Second,
		Reconnect:   retry.FixedBackoffConfig(10*time.Millisecond, 1),
	}, quietLogger())

	states := make(chan bool, 8)
	client.OnStateChange(func(connected bool) { states <- connected })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client, states
}

func waitState(t *testing.T, states chan bool, want bool) {
	t.Helper()
	select {
	case got := <-states:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connected=%v", want)
	}
}

func TestRealtime_SubscribeJoinsWithFilter(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	query := <-fake.query
	assert.Contains(t, query, "apikey=anon")
	assert.Contains(t, query, "vsn=1.0.0")

	sub, err := client.Subscribe(context.Background(), realtime.Filter{
		Topic: "appointments:me", Schema: "public", Table: "appointments",
		Event: models.ChangeAll, Column: "patient_id", Value: "me",
	}, func(context.Context, models.ChangeEvent) {})
	require.NoError(t, err)
	assert.Equal(t, "appointments:me", sub.Topic)

	join := fake.lastJoin()
	assert.Equal(t, "realtime:appointments:me", join.Topic)
	var payload joinPayload
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	require.Len(t, payload.Config.PostgresChanges, 1)
	assert.Equal(t, "patient_id=eq.me", payload.Config.PostgresChanges[0].Filter)
	assert.Equal(t, "*", payload.Config.PostgresChanges[0].Event)
	assert.Equal(t, "token", payload.AccessToken)
}

func TestRealtime_RejectedJoinFails(t *testing.T) {
	fake, server := newFakeRealtime(t)
	fake.reject["realtime:calls:me"] = true
	client, states := startClient(t, server)
	waitState(t, states, true)

	_, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "calls:me", Table: "calls"}, nil)
	assert.Error(t, err)

	_, err = client.Subscribe(context.Background(), realtime.Filter{Topic: "calls:me", Table: "calls"}, nil)
	assert.Error(t, err, "rejected topic should not stay registered")
}

func TestRealtime_DeliversChangesAndPresence(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	events := make(chan models.ChangeEvent, 4)
	handler := func(_ context.Context, ev models.ChangeEvent) { events <- ev }

	_, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "messages:me", Table: "messages", Event: models.ChangeInsert}, handler)
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background(), realtime.Filter{Topic: "presence:online"}, handler)
	require.NoError(t, err)

	fake.push(phxMessage{
		Topic: "realtime:messages:me",
		Event: eventChanges,
		Payload: json.RawMessage(`{"ids":[1],"data":{"schema":"public","table":"messages","type":"INSERT",` +
			`"commit_timestamp":"2026-01-01T00:00:00Z","record":{"conversation_id":"c1","sender_id":"u2","content":"hi"}}}`),
	})

	ev := <-events
	assert.Equal(t, "messages:me", ev.Topic)
	assert.Equal(t, models.ChangeInsert, ev.Type)
	var row models.MessageRow
	require.NoError(t, ev.Decode(&row))
	assert.Equal(t, "u2", row.SenderID)

	fake.push(phxMessage{Topic: "realtime:presence:online", Event: eventPresence, Payload: json.RawMessage(`{"b":{"metas":[]},"a":{"metas":[]}}`)})
	fake.push(phxMessage{Topic: "realtime:presence:online", Event: eventDiff, Payload: json.RawMessage(`{"joins":{"c":{}},"leaves":{"a":{}}}`)})

	syncEv := <-events
	assert.Equal(t, models.ChangePresenceSync, syncEv.Type)
	var record models.PresenceRecord
	require.NoError(t, syncEv.Decode(&record))
	assert.Equal(t, []string{"a", "b"}, record.UserIDs)

	assert.Equal(t, models.ChangePresenceJoin, (<-events).Type)
	assert.Equal(t, models.ChangePresenceLeave, (<-events).Type)
}

func TestRealtime_ReconnectRejoins(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	_, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "messages:me", Table: "messages"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, fake.joinCount())

	fake.dropAll()
	waitState(t, states, false)
	waitState(t, states, true)

	assert.Eventually(t, func() bool { return fake.joinCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.Connected())
}

func TestRealtime_SubscribeWhileOfflineDefersJoin(t *testing.T) {
	client := NewRealtimeClient(RealtimeConfig{URL: "ws://127.0.0.1:1/ws"}, quietLogger())

	sub, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "messages:me", Table: "messages"}, nil)
	require.NoError(t, err)
	assert.NoError(t, client.Unsubscribe(context.Background(), sub))
	assert.False(t, client.Connected())

	_, err = client.Subscribe(context.Background(), realtime.Filter{}, nil)
	assert.Error(t, err)
}

func TestRealtime_UnsubscribeSendsLeave(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	sub, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "calls:me", Table: "calls"}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Unsubscribe(context.Background(), sub))

	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.leaves) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtime_SlowHandlerDoesNotBlockJoins(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "messages:me", Table: "messages"},
		func(context.Context, models.ChangeEvent) {
			close(entered)
			<-release
		})
	require.NoError(t, err)

	fake.push(phxMessage{
		Topic:   "realtime:messages:me",
		Event:   eventChanges,
		Payload: json.RawMessage(`{"data":{"schema":"public","table":"messages","type":"INSERT","record":{}}}`),
	})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Subscribe(ctx, realtime.Filter{Topic: "calls:me", Table: "calls"}, nil)
	assert.NoError(t, err)
}

func TestRealtime_ConcurrentJoinsSendOnce(t *testing.T) {
	fake, server := newFakeRealtime(t)
	client, states := startClient(t, server)
	waitState(t, states, true)

	_, err := client.Subscribe(context.Background(), realtime.Filter{Topic: "messages:me", Table: "messages"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, fake.joinCount())

	client.mu.Lock()
	ch := &channel{
		sub:    realtime.Subscription{ID: topicPrefix + "calls:me", Topic: "calls:me"},
		topic:  topicPrefix + "calls:me",
		filter: realtime.Filter{Topic: "calls:me", Table: "calls"},
	}
	client.channels[ch.topic] = ch
	client.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.join(context.Background(), ch))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.rejoinAll(context.Background())
	}()
	wg.Wait()

	assert.Equal(t, 2, fake.joinCount())
}
