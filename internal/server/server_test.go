package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwire/internal/detect"
	"tripwire/internal/health"
	"tripwire/internal/metrics"
	"tripwire/internal/push"
	"tripwire/internal/realtime"
	"tripwire/internal/retention"
	"tripwire/internal/security"
)

type fakeController struct {
	mu         sync.Mutex
	session    *detect.Session
	armed      bool
	cameraDown bool
	frame      []byte
	previewErr error
}

func (f *fakeController) newSession() (*detect.Session, error) {
	sess, err := detect.NewSession(1000, time.Now())
	if err != nil {
		return nil, err
	}
	f.session = sess
	return sess, nil
}

func (f *fakeController) Arm(ctx context.Context) (*detect.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		return nil, detect.ErrAlreadyArmed
	}
	f.armed = true
	return f.newSession()
}

func (f *fakeController) ReArm(ctx context.Context) (*detect.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cameraDown {
		return nil, detect.ErrCameraProbeDown
	}
	f.armed = true
	return f.newSession()
}

func (f *fakeController) Session() *detect.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeController) State() detect.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		return detect.StateArmed
	}
	return detect.StateDisarmed
}

func (f *fakeController) Preview(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.previewErr
}

func (f *fakeController) set(fn func(*fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	srv      *httptest.Server
	ctl      *fakeController
	hub      *realtime.Hub
	buf      *retention.Buffer
	registry *push.Registry
}

func newHarness(t *testing.T, vapid string) *harness {
	t.Helper()

	m := metrics.NewTripwireMetrics(metrics.NewRegistry("tripwire", ""))
	hub := realtime.NewHub(realtime.Config{})
	buf := retention.New(retention.Config{Window: time.Hour, Broadcaster: hub})
	reg := push.NewRegistry(nil, nil, m)
	ctl := &fakeController{frame: []byte{0xff, 0xd8, 0xff, 0xd9}}

	checker := health.NewChecker()
	checker.SetReady(true)

	s, err := New(Config{
		Controller:     ctl,
		Replayer:       buf,
		Subscriptions:  reg,
		Hub:            hub,
		Health:         checker,
		Metrics:        m,
		VAPIDPublicKey: func() string { return vapid },
		ClientConfig:   func() map[string]any { return map[string]any{"theme": "dark"} },
		StartTime:      time.Unix(1700000000, 0),
		PreviewLimiter: security.NewRateLimiter(1, 2),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{srv: srv, ctl: ctl, hub: hub, buf: buf, registry: reg}
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestArmThenConflict(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodGet, "/arm", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got armResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.NotEmpty(t, got.SessionID)
	require.NotNil(t, got.PIR)
	require.NotNil(t, got.Cam)
	assert.Contains(t, got.PubKeyPEM, "BEGIN PUBLIC KEY")
	assert.Equal(t, h.ctl.Session().Keypair().PubKeyHash(), got.PubKeyHash)

	resp, _ = h.do(t, http.MethodGet, "/arm", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReArmReturnsFreshSession(t *testing.T) {
	h := newHarness(t, "")

	_, first := h.do(t, http.MethodGet, "/arm", "")
	resp, second := h.do(t, http.MethodGet, "/re-arm", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a, b armResponse
	require.NoError(t, json.Unmarshal([]byte(first), &a))
	require.NoError(t, json.Unmarshal([]byte(second), &b))
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.NotEqual(t, a.PubKeyPEM, b.PubKeyPEM)
}

func TestReArmWithCameraDown(t *testing.T) {
	h := newHarness(t, "")
	h.ctl.set(func(f *fakeController) { f.cameraDown = true })

	resp, body := h.do(t, http.MethodGet, "/re-arm", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "camera")
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t, "")

	_, body := h.do(t, http.MethodGet, "/bootstrap", "")
	var got bootstrapResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Empty(t, got.PubKeyPEM)
	assert.Equal(t, float64(1700000000), got.ServerStartTime)
	assert.Equal(t, "dark", got.ClientConfig["theme"])
	assert.Equal(t, "DISARMED", got.State)

	h.do(t, http.MethodGet, "/arm", "")
	_, body = h.do(t, http.MethodGet, "/bootstrap", "")
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Contains(t, got.PubKeyPEM, "BEGIN PUBLIC KEY")
	assert.True(t, strings.HasPrefix(got.PubKeySSH, "ssh-ed25519 "))
	assert.Equal(t, "ARMED", got.State)
}

func TestPreview(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodGet, "/preview", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, string(h.ctl.frame), body)

	// Burst of two, then limited.
	h.do(t, http.MethodGet, "/preview", "")
	resp, _ = h.do(t, http.MethodGet, "/preview", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestPreviewCameraError(t *testing.T) {
	h := newHarness(t, "")
	h.ctl.set(func(f *fakeController) { f.previewErr = errors.New("capture timed out") })

	resp, _ := h.do(t, http.MethodGet, "/preview", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestVAPIDKey(t *testing.T) {
	resp, body := newHarness(t, "").do(t, http.MethodGet, "/vapid-app-server-key", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, msgNoVAPIDKey)

	resp, body = newHarness(t, "BPk3").do(t, http.MethodGet, "/vapid-app-server-key", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BPk3", body)
}

func TestRegisterPushSubscription(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodPut, "/register-push-subscription",
		`{"old_sub": null, "new_sub": {"endpoint": "https://push.example/a", "keys": {"p256dh": "k", "auth": "s"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Received", body)
	assert.Equal(t, 1, h.registry.Len())

	resp, _ = h.do(t, http.MethodPut, "/register-push-subscription",
		`{"old_sub": {"endpoint": "https://push.example/a"}, "new_sub": {"endpoint": "https://push.example/b"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	subs := h.registry.List()
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/b", subs[0].Endpoint)

	for _, bad := range []string{
		`not json`,
		`{}`,
		`{"new_sub": {"endpoint": "http://insecure"}}`,
	} {
		resp, _ = h.do(t, http.MethodPut, "/register-push-subscription", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
	assert.Equal(t, 1, h.registry.Len())

	resp, _ = h.do(t, http.MethodGet, "/register-push-subscription", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, "")

	for _, path := range []string{"/livez", "/readyz", "/healthz", "/metrics"} {
		resp, _ := h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func dialWS(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readImage(t *testing.T, conn *websocket.Conn) retention.Record {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env realtime.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, retention.EventImage, env.Event)
	var rec retention.Record
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	return rec
}

func TestRegetReplaysOverWebSocket(t *testing.T) {
	h := newHarness(t, "")

	ts := time.Unix(1700000100, 0)
	h.buf.Record(retention.NewRecord(ts, []byte("frame"), nil))

	conn := dialWS(t, h)
	require.Eventually(t, func() bool { return h.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": realtime.EventReget,
		"data":  map[string]any{"timestamps": []int64{ts.Unix(), 42}},
	}))
	rec := readImage(t, conn)
	assert.True(t, rec.Reget)
	assert.Equal(t, ts.Unix(), rec.Key())

	// Same request encoded as a JSON string.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": realtime.EventReget,
		"data":  `{"timestamps": [1700000100]}`,
	}))
	rec = readImage(t, conn)
	assert.True(t, rec.Reget)
}

func TestInvalidRegetIgnored(t *testing.T) {
	h := newHarness(t, "")
	ts := time.Unix(1700000200, 0)
	h.buf.Record(retention.NewRecord(ts, []byte("frame"), nil))

	conn := dialWS(t, h)
	require.Eventually(t, func() bool { return h.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": realtime.EventReget,
		"data":  map[string]any{"timestamps": "everything"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": realtime.EventReget,
		"data":  map[string]any{"timestamps": []int64{ts.Unix()}},
	}))

	// Only the valid request produces a frame; the connection survives.
	rec := readImage(t, conn)
	assert.Equal(t, ts.Unix(), rec.Key())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	m := metrics.NewTripwireMetrics(metrics.NewRegistry("tripwire", ""))
	hub := realtime.NewHub(realtime.Config{})
	s, err := New(Config{
		Controller:    &fakeController{},
		Replayer:      retention.New(retention.Config{Window: time.Minute}),
		Subscriptions: push.NewRegistry(nil, nil, m),
		Hub:           hub,
		Metrics:       m,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, time.Second) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/bootstrap")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
