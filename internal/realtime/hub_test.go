package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, func() bool { return hub.Count() == 2 })

	hub.Broadcast(EventSecrets, map[string]any{"pir": 42, "cam": nil})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, EventSecrets, env.Event)
		assert.JSONEq(t, `{"pir":42,"cam":null}`, string(env.Data))
	}

	st := hub.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(2), st.Sent)
}

func TestInboundEventDispatch(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	got := make(chan string, 1)
	hub.On(EventReget, func(c *Client, data json.RawMessage) {
		assert.NotEmpty(t, c.ID())
		got <- string(data)
	})

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": EventReget,
		"data":  map[string]any{"timestamps": []int{1, 2}},
	}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"timestamps":[1,2]}`, data)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestSlowObserverDropsNewMessages(t *testing.T) {
	hub := NewHub(Config{SendBuffer: 1})

	// A client with no pumps never drains its queue.
	c := &Client{id: "slow", hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}
	hub.clients[c.id] = c

	hub.Broadcast(EventSecrets, 1)
	hub.Broadcast(EventSecrets, 2)
	hub.Broadcast(EventSecrets, 3)

	assert.Equal(t, uint64(2), c.Dropped())
	assert.Equal(t, uint64(2), hub.Stats().Dropped)

	// The queued message is the first one; later ones were dropped.
	var env Envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, "1", string(env.Data))

	assert.ErrorIs(t, hub.SendTo("missing", EventSecrets, 1), ErrUnknownClient)
	require.NoError(t, hub.SendTo("slow", EventSecrets, 4))
	assert.ErrorIs(t, hub.SendTo("slow", EventSecrets, 5), ErrQueueFull)
}

func TestCloseDisconnectsObservers(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Broadcasting after close is a no-op.
	hub.Broadcast(EventSecrets, 1)
	assert.ErrorIs(t, hub.SendTo("x", EventSecrets, 1), ErrHubClosed)
}

func TestConcurrentBroadcast(t *testing.T) {
	hub := NewHub(Config{SendBuffer: 4})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	dial(t, srv)
	waitFor(t, func() bool { return hub.Count() == 1 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Broadcast(EventSecrets, j)
			}
		}()
	}
	wg.Wait()

	st := hub.Stats()
	assert.Equal(t, uint64(400), st.Published)
	assert.Equal(t, uint64(400), st.Sent+st.Dropped)
}
