package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/kozaktomas/face-tracker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestNewEvent(t *testing.T) {
	id := int64(3)
	ev := NewEvent(EventPersonAdded, EventData{IdentityID: &id, DeviceID: "cam-1"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventPersonAdded, ev.Type)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Minute)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"person_added"`)
	assert.Contains(t, string(data), `"identity_id":3`)
	assert.NotContains(t, string(data), `"tier"`)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, Discard{}, b}.Publish(context.Background(), NewEvent(EventRecognition, EventData{Tier: "recent"}))

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestHub_BroadcastsToObservers(t *testing.T) {
	hub := NewHub(logr.Discard(), nil)
	defer hub.Close()

	first := dialHub(t, hub)
	second := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), NewEvent(EventRecognition, EventData{Tier: "stale", DeviceID: "door"}))

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventRecognition, ev.Type)
		assert.Equal(t, "stale", ev.Data.Tier)
		assert.Equal(t, "door", ev.Data.DeviceID)
	}
}

func TestHub_DisconnectedObserverIsRemoved(t *testing.T) {
	hub := NewHub(logr.Discard(), nil)
	defer hub.Close()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_PublishWithoutObserversDoesNotBlock(t *testing.T) {
	hub := NewHub(logr.Discard(), nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(context.Background(), NewEvent(EventRecognition, EventData{}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestRedisPublisherAndRelay(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	var client goredis.UniversalClient = rdb

	ctx := context.Background()
	hub := NewHub(logr.Discard(), nil)
	defer hub.Close()

	relay := NewRedisRelay(client, "face-tracker:events", hub, logr.Discard())
	require.NoError(t, relay.Start(ctx))
	defer relay.Close()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	id := int64(7)
	publisher := NewRedisPublisher(client, "face-tracker:events", logr.Discard())
	defer publisher.Close(ctx)
	publisher.Publish(ctx, NewEvent(EventVisitUpdated, EventData{IdentityID: &id}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventVisitUpdated, ev.Type)
	require.NotNil(t, ev.Data.IdentityID)
	assert.Equal(t, int64(7), *ev.Data.IdentityID)
}

func TestRedisPublisher_UnavailableCountsDrop(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	s.Close()

	dropped := metrics.NotificationsDropped.WithLabelValues("redis")
	before := testutil.ToFloat64(dropped)

	publisher := NewRedisPublisher(rdb, "events", logr.Discard())
	publisher.Publish(context.Background(), NewEvent(EventRecognition, EventData{}))
	require.NoError(t, publisher.Close(context.Background()))

	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
}

// hungRedis returns the address of a listener that accepts connections and
// never answers.
func hungRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisPublisher_HungRedisDoesNotBlockPublish(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: hungRedis(t), MaxRetries: -1, ContextTimeoutEnabled: true})
	t.Cleanup(func() { rdb.Close() })

	dropped := metrics.NotificationsDropped.WithLabelValues("redis")
	before := testutil.ToFloat64(dropped)

	publisher := newRedisPublisher(rdb, "events", logr.Discard(), 2)
	start := time.Now()
	for range 10 {
		publisher.Publish(context.Background(), NewEvent(EventRecognition, EventData{}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// At most one event in flight and two queued; the rest are dropped.
	assert.GreaterOrEqual(t, testutil.ToFloat64(dropped)-before, 7.0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, publisher.Close(ctx), context.DeadlineExceeded)

	// Publishing after Close is a counted no-op.
	afterClose := testutil.ToFloat64(dropped)
	publisher.Publish(context.Background(), NewEvent(EventRecognition, EventData{}))
	assert.Equal(t, afterClose+1, testutil.ToFloat64(dropped))
}

func TestNewRedisClient(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	assert.True(t, client.Options().ContextTimeoutEnabled)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(context.Background(), "not a url")
	require.Error(t, err)
}
