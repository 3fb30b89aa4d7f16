package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-task-pipeline/internal/models"
)

type fakeSubscriber struct {
	id   string
	open bool

	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeSubscriber) ID() string { return f.id }
func (f *fakeSubscriber) Open() bool { return f.open }
func (f *fakeSubscriber) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func decodeUpdate(t *testing.T, raw []byte) models.StatusUpdate {
	t.Helper()
	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, models.MessageTaskStatusUpdate, env.Type)
	var u models.StatusUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &u))
	return u
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNotifySkipsClosedSubscribers(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	open := &fakeSubscriber{id: "open", open: true}
	closed := &fakeSubscriber{id: "closed", open: false}
	b.Register(open)
	b.Register(closed)

	b.Notify(context.Background(), "task-1", models.StatusSuccess, "", map[string]string{"id": "acme"})

	require.Len(t, open.received(), 1)
	assert.Empty(t, closed.received())

	u := decodeUpdate(t, open.received()[0])
	assert.Equal(t, "task-1", u.TaskID)
	assert.Equal(t, models.StatusSuccess, u.Status)
	assert.JSONEq(t, `{"id":"acme"}`, string(u.Data))
}

func TestNotifyWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	assert.NotPanics(t, func() {
		b.Notify(context.Background(), "task-1", models.StatusError, "boom", nil)
	})
	assert.Equal(t, 0, b.Subscribers())
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	sub := &fakeSubscriber{id: "s1", open: true}
	b.Register(sub)
	b.Unregister("s1")

	b.Notify(context.Background(), "task-1", models.StatusProcessing, "", nil)
	assert.Empty(t, sub.received())
}

func dialTestServer(t *testing.T, h *Handler) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func TestWebSocketSubscriberReceivesUpdates(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	conn, cleanup := dialTestServer(t, NewHandler(b, 0))
	defer cleanup()

	pollUntil(t, time.Second, func() bool { return b.Subscribers() == 1 })
	b.Notify(context.Background(), "task-9", models.StatusError, "Brand name already exists.", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	u := decodeUpdate(t, data)
	assert.Equal(t, "task-9", u.TaskID)
	assert.Equal(t, models.StatusError, u.Status)
	assert.Equal(t, "Brand name already exists.", u.Error)
}

func TestWebSocketHealthCheck(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	conn, cleanup := dialTestServer(t, NewHandler(b, 20*time.Millisecond))
	defer cleanup()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, models.MessageHealthCheck, env.Type)

	ack, _ := json.Marshal(models.Envelope{Type: models.MessageHealthAck})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	conn, cleanup := dialTestServer(t, NewHandler(b, 0))
	defer cleanup()

	pollUntil(t, time.Second, func() bool { return b.Subscribers() == 1 })
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	pollUntil(t, 2*time.Second, func() bool { return b.Subscribers() == 0 })
}

func TestRedisRelayFansOutAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() *Broadcaster {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		b := NewBroadcaster(quietLogger(), WithRelay(NewRedisRelay(client, "test:task-status", quietLogger())))
		require.NoError(t, b.Start(ctx))
		return b
	}
	a := newInstance()
	other := newInstance()

	local := &fakeSubscriber{id: "local", open: true}
	remote := &fakeSubscriber{id: "remote", open: true}
	a.Register(local)
	other.Register(remote)

	a.Notify(ctx, "task-7", models.StatusSuccess, "", json.RawMessage(`{"id":"chair"}`))

	pollUntil(t, 2*time.Second, func() bool {
		return len(local.received()) == 1 && len(remote.received()) == 1
	})
	u := decodeUpdate(t, remote.received()[0])
	assert.Equal(t, "task-7", u.TaskID)
	assert.JSONEq(t, `{"id":"chair"}`, string(u.Data))
}
