package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/rpc"
)

type fakeSession struct {
	startErr  error
	startedN  atomic.Int32
	stopped   atomic.Bool
	events    chan appserver.Event
	requestFn func(method string, params any) (json.RawMessage, error)

	mu        sync.Mutex
	responses []int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan appserver.Event, 16)}
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.startedN.Add(1)
	return f.startErr
}

func (f *fakeSession) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.requestFn != nil {
		return f.requestFn(method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSession) Respond(ctx context.Context, id int64, result any, wireErr *rpc.WireError) error {
	f.mu.Lock()
	f.responses = append(f.responses, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Stop() {
	if f.stopped.CompareAndSwap(false, true) {
		close(f.events)
	}
}

func (f *fakeSession) Events() <-chan appserver.Event { return f.events }
func (f *fakeSession) PID() int                       { return 4242 }

func newTestSupervisor(factory func() *fakeSession) (*Supervisor, *[]*fakeSession) {
	s := New(Config{Binary: "codex", ClientInfo: appserver.ClientInfo{Name: "test"}})
	var created []*fakeSession
	var mu sync.Mutex
	s.newSession = func(opts appserver.Options) session {
		mu.Lock()
		defer mu.Unlock()
		fs := factory()
		created = append(created, fs)
		return fs
	}
	return s, &created
}

func profile(id string) profiles.Profile {
	return profiles.Profile{ID: id, Name: id, CodexHome: "/tmp/" + id}
}

func TestStartIsIdempotent(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)

	require.NoError(t, s.Start(context.Background(), profile("p1")))
	require.NoError(t, s.Start(context.Background(), profile("p1")))

	assert.Len(t, *created, 1)
	assert.True(t, s.Running("p1"))
}

func TestConcurrentStartSharesOneSession(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Start(context.Background(), profile("p1"))
		}()
	}
	wg.Wait()

	assert.Len(t, *created, 1)
}

func TestStartFailureNotRegistered(t *testing.T) {
	s, _ := newTestSupervisor(func() *fakeSession {
		fs := newFakeSession()
		fs.startErr = errors.New("spawn failed")
		return fs
	})

	err := s.Start(context.Background(), profile("p1"))
	require.Error(t, err)
	assert.False(t, s.Running("p1"))

	_, err = s.Request(context.Background(), "p1", "ping", nil)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStartFailureLeaksNoGoroutines(t *testing.T) {
	// The fake's event channel is never closed, mimicking a spawn that dies
	// before the stream is wired; repeated failures must not accumulate
	// pump goroutines.
	s, _ := newTestSupervisor(func() *fakeSession {
		fs := newFakeSession()
		fs.startErr = errors.New("spawn failed")
		return fs
	})

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		require.Error(t, s.Start(context.Background(), profile("p1")))
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestUnknownProfile(t *testing.T) {
	s, _ := newTestSupervisor(newFakeSession)

	_, err := s.Request(context.Background(), "ghost", "ping", nil)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "profile app-server not running", err.Error())
}

func TestRespondUnknownProfileIsNoop(t *testing.T) {
	s, _ := newTestSupervisor(newFakeSession)
	s.Respond(context.Background(), "ghost", 1, nil, nil)
}

func TestRespondRelaysToSession(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)
	require.NoError(t, s.Start(context.Background(), profile("p1")))

	s.Respond(context.Background(), "p1", 42, map[string]string{"decision": "approved"}, nil)

	fs := (*created)[0]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []int64{42}, fs.responses)
}

func TestStopRemovesAndIsSafeOnAbsent(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)
	require.NoError(t, s.Start(context.Background(), profile("p1")))

	s.Stop("p1")
	assert.False(t, s.Running("p1"))
	assert.True(t, (*created)[0].stopped.Load())

	s.Stop("p1")
	s.Stop("never-existed")
}

func TestEventsTaggedWithProfileID(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)
	events := s.Subscribe(16)

	require.NoError(t, s.Start(context.Background(), profile("p1")))
	fs := (*created)[0]
	fs.events <- appserver.Event{Kind: appserver.EventNotification, Method: "turn/started", Params: json.RawMessage(`{"threadId":"t1"}`)}

	select {
	case ev := <-events:
		assert.Equal(t, "p1", ev.ProfileID)
		assert.Equal(t, appserver.EventNotification, ev.Kind)
		assert.Equal(t, "turn/started", ev.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestExitRemovesEntryBeforeReEmit(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)
	events := s.Subscribe(16)

	require.NoError(t, s.Start(context.Background(), profile("p1")))
	fs := (*created)[0]

	code := 1
	fs.events <- appserver.Event{Kind: appserver.EventExit, ExitCode: &code}

	select {
	case ev := <-events:
		require.Equal(t, appserver.EventExit, ev.Kind)
		// The registry must already be clean when observers see exit.
		assert.False(t, s.Running("p1"))
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 1, *ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	// A fresh start after exit creates a new session.
	require.NoError(t, s.Start(context.Background(), profile("p1")))
	assert.Len(t, *created, 2)
}

func TestStopAll(t *testing.T) {
	s, created := newTestSupervisor(newFakeSession)
	require.NoError(t, s.Start(context.Background(), profile("p1")))
	require.NoError(t, s.Start(context.Background(), profile("p2")))

	s.StopAll()
	assert.Empty(t, s.RunningProfiles())
	for _, fs := range *created {
		assert.True(t, fs.stopped.Load())
	}
}
