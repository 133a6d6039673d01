package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/rpc"
	"github.com/codex-hub/codex-hub/internal/supervisor"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	started    []string
	stopped    []string
	responses  map[string]json.RawMessage
	requestErr error

	respondID     int64
	respondResult any
	respondErr    *rpc.WireError
}

func (f *fakeSupervisor) Start(ctx context.Context, profile profiles.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, profile.ID)
	return nil
}

func (f *fakeSupervisor) Stop(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, profileID)
}

func (f *fakeSupervisor) Request(ctx context.Context, profileID, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	if res, ok := f.responses[method]; ok {
		return res, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSupervisor) Respond(ctx context.Context, profileID string, id int64, result any, wireErr *rpc.WireError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respondID = id
	f.respondResult = result
	f.respondErr = wireErr
}

func newTestHub(t *testing.T, sup Supervisor) (*Hub, *httptest.Server) {
	t.Helper()

	store, err := profiles.NewStore(filepath.Join(t.TempDir(), "profiles.json"), "/tmp/codex-home")
	require.NoError(t, err)

	h := NewHub("secret", sup, store, nil)
	go h.Run()
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestUnauthorizedClientClosedWith1008(t *testing.T) {
	_, srv := newTestHub(t, &fakeSupervisor{})

	conn := dial(t, srv, "wrong")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthorized", closeErr.Text)
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	_, srv := newTestHub(t, &fakeSupervisor{})
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid JSON", msg["message"])

	// The connection survives and still processes valid envelopes.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.stop", "profileId": "default"}))
	msg = readEnvelope(t, conn)
	assert.Equal(t, "profile.stopped", msg["type"])
}

func TestProfileStartUnknownProfile(t *testing.T) {
	_, srv := newTestHub(t, &fakeSupervisor{})
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.start", "profileId": "ghost"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown profile")
}

func TestProfileStartAndStop(t *testing.T) {
	sup := &fakeSupervisor{}
	_, srv := newTestHub(t, sup)
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.start", "profileId": "default"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "profile.started", msg["type"])
	assert.Equal(t, "default", msg["profileId"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.stop", "profileId": "default"}))
	msg = readEnvelope(t, conn)
	assert.Equal(t, "profile.stopped", msg["type"])

	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Equal(t, []string{"default"}, sup.started)
	assert.Equal(t, []string{"default"}, sup.stopped)
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observers.Traffic
}

func (r *recordingObserver) Name() string { return "recording" }

func (r *recordingObserver) Handle(tr observers.Traffic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, tr)
	return nil
}

func (r *recordingObserver) sawKind(kind observers.Kind, profileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.seen {
		if tr.Kind == kind && tr.ProfileID == profileID {
			return true
		}
	}
	return false
}

func TestProfileLifecyclePublishesTraffic(t *testing.T) {
	store, err := profiles.NewStore(filepath.Join(t.TempDir(), "profiles.json"), "/tmp/codex-home")
	require.NoError(t, err)

	rec := &recordingObserver{}
	dispatcher := observers.NewDispatcher(64, rec)
	t.Cleanup(dispatcher.Stop)

	h := NewHub("secret", &fakeSupervisor{}, store, dispatcher)
	go h.Run()
	t.Cleanup(h.Stop)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "secret")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.start", "profileId": "default"}))
	msg := readEnvelope(t, conn)
	require.Equal(t, "profile.started", msg["type"])

	require.Eventually(t, func() bool {
		return rec.sawKind(observers.KindStart, "default")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "profile.stop", "profileId": "default"}))
	msg = readEnvelope(t, conn)
	require.Equal(t, "profile.stopped", msg["type"])

	require.Eventually(t, func() bool {
		return rec.sawKind(observers.KindStop, "default")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRPCRequestRoundTrip(t *testing.T) {
	sup := &fakeSupervisor{responses: map[string]json.RawMessage{
		"thread/list": json.RawMessage(`{"threads":[]}`),
	}}
	_, srv := newTestHub(t, sup)
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "rpc.request", "requestId": "req-1", "profileId": "default", "method": "thread/list",
	}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "rpc.response", msg["type"])
	assert.Equal(t, "req-1", msg["requestId"])
	assert.Equal(t, map[string]any{"threads": []any{}}, msg["result"])
}

func TestRPCRequestErrorCarriesMessage(t *testing.T) {
	sup := &fakeSupervisor{requestErr: supervisor.ErrNotRunning}
	_, srv := newTestHub(t, sup)
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "rpc.request", "requestId": "req-2", "profileId": "default", "method": "thread/list",
	}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "rpc.response", msg["type"])
	assert.Equal(t, "req-2", msg["requestId"])
	assert.Equal(t, "profile app-server not running", msg["error"])
}

func TestRPCResponseRoutedToSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	_, srv := newTestHub(t, sup)
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "rpc.response", "profileId": "default", "id": 42,
		"result": map[string]any{"decision": "approved"},
	}))

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.respondID == 42
	}, 5*time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Nil(t, sup.respondErr)
	assert.JSONEq(t, `{"decision":"approved"}`, string(sup.respondResult.(json.RawMessage)))
}

func TestRPCResponseRequiresID(t *testing.T) {
	_, srv := newTestHub(t, &fakeSupervisor{})
	conn := dial(t, srv, "secret")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "rpc.response", "profileId": "default"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestPumpBroadcastsToAllClients(t *testing.T) {
	h, srv := newTestHub(t, &fakeSupervisor{})

	first := dial(t, srv, "secret")
	second := dial(t, srv, "secret")

	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	events := make(chan supervisor.Event, 1)
	go h.Pump(events)
	events <- supervisor.Event{
		ProfileID: "default",
		Kind:      appserver.EventNotification,
		Method:    "turn/started",
		Params:    json.RawMessage(`{"threadId":"t1"}`),
	}
	close(events)

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readEnvelope(t, conn)
		assert.Equal(t, "rpc.event", msg["type"])
		assert.Equal(t, "default", msg["profileId"])
		assert.Equal(t, "turn/started", msg["method"])
	}
}

func TestPumpBroadcastsExitWithCode(t *testing.T) {
	h, srv := newTestHub(t, &fakeSupervisor{})
	conn := dial(t, srv, "secret")

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	code := 137
	events := make(chan supervisor.Event, 1)
	go h.Pump(events)
	events <- supervisor.Event{ProfileID: "default", Kind: appserver.EventExit, ExitCode: &code}
	close(events)

	msg := readEnvelope(t, conn)
	assert.Equal(t, "profile.exit", msg["type"])
	assert.Equal(t, float64(137), msg["code"])
}
