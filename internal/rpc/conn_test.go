package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is the far side of a Conn: it reads frames the Conn writes and
// can inject frames on the Conn's stdout/stderr.
type fakePeer struct {
	conn    *Conn
	frames  *bufio.Scanner
	stdoutW io.WriteCloser
	stderrW io.WriteCloser
	stdinW  io.WriteCloser
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	conn := NewConn(stdinW, stdoutR, stderrR)
	t.Cleanup(func() {
		stdoutW.Close()
		stderrW.Close()
		stdinW.Close()
	})

	return &fakePeer{
		conn:    conn,
		frames:  bufio.NewScanner(stdinR),
		stdoutW: stdoutW,
		stderrW: stderrW,
		stdinW:  stdinW,
	}
}

func (p *fakePeer) readFrame(t *testing.T) map[string]any {
	t.Helper()
	require.True(t, p.frames.Scan(), "expected a frame from the conn")
	var frame map[string]any
	require.NoError(t, json.Unmarshal(p.frames.Bytes(), &frame))
	return frame
}

func (p *fakePeer) inject(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(p.stdoutW, line+"\n")
	require.NoError(t, err)
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	peer := newFakePeer(t)

	done := make(chan struct{})
	var result json.RawMessage
	var reqErr error
	go func() {
		defer close(done)
		result, reqErr = peer.conn.SendRequest(context.Background(), "ping", nil)
	}()

	frame := peer.readFrame(t)
	assert.Equal(t, float64(1), frame["id"])
	assert.Equal(t, "ping", frame["method"])

	peer.inject(t, `{"id":1,"result":{"ok":true}}`)
	<-done

	require.NoError(t, reqErr)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestInterleavedResponses(t *testing.T) {
	peer := newFakePeer(t)

	type reply struct {
		result json.RawMessage
		err    error
	}
	results := make(map[string]chan reply)
	for _, method := range []string{"ping", "pong"} {
		ch := make(chan reply, 1)
		results[method] = ch
		go func(method string) {
			res, err := peer.conn.SendRequest(context.Background(), method, nil)
			ch <- reply{res, err}
		}(method)
		peer.readFrame(t) // consume so ids 1 and 2 are both registered
	}

	// Respond out of order: id 2 first, then id 1.
	peer.inject(t, `{"id":2,"result":"second"}`)
	peer.inject(t, `{"id":1,"result":"first"}`)

	first := <-results["ping"]
	require.NoError(t, first.err)
	assert.Equal(t, `"first"`, string(first.result))

	second := <-results["pong"]
	require.NoError(t, second.err)
	assert.Equal(t, `"second"`, string(second.result))
}

func TestPeerErrorFailsRequest(t *testing.T) {
	peer := newFakePeer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := peer.conn.SendRequest(context.Background(), "explode", nil)
		errCh <- err
	}()
	peer.readFrame(t)

	peer.inject(t, `{"id":1,"error":{"code":-1,"message":"boom"}}`)
	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestNotificationAndPeerRequestClassification(t *testing.T) {
	peer := newFakePeer(t)

	peer.inject(t, `{"method":"turn/started","params":{"threadId":"t1"}}`)
	ev := waitEvent(t, peer.conn.Events(), EventNotification)
	assert.Equal(t, "turn/started", ev.Method)
	assert.JSONEq(t, `{"threadId":"t1"}`, string(ev.Params))

	peer.inject(t, `{"id":42,"method":"item/commandExecution/requestApproval","params":{"itemId":"i1"}}`)
	ev = waitEvent(t, peer.conn.Events(), EventPeerRequest)
	assert.Equal(t, int64(42), ev.ID)
	assert.Equal(t, "item/commandExecution/requestApproval", ev.Method)
}

func TestUnknownResponseDroppedSilently(t *testing.T) {
	peer := newFakePeer(t)

	peer.inject(t, `{"id":999,"result":{}}`)
	// Follow with a notification; it must still come through.
	peer.inject(t, `{"method":"after"}`)
	ev := waitEvent(t, peer.conn.Events(), EventNotification)
	assert.Equal(t, "after", ev.Method)
}

func TestMalformedFrameEmitsErrorAndContinues(t *testing.T) {
	peer := newFakePeer(t)

	peer.inject(t, `[1,2,3]`)
	ev := waitEvent(t, peer.conn.Events(), EventError)
	require.Error(t, ev.Err)

	peer.inject(t, `{"method":"still/alive"}`)
	ev = waitEvent(t, peer.conn.Events(), EventNotification)
	assert.Equal(t, "still/alive", ev.Method)
}

func TestStderrForwardedLineByLine(t *testing.T) {
	peer := newFakePeer(t)

	_, err := io.WriteString(peer.stderrW, "warning: something\n\n  \ntrace line\n")
	require.NoError(t, err)

	ev := waitEvent(t, peer.conn.Events(), EventStderr)
	assert.Equal(t, "warning: something", ev.Text)
	ev = waitEvent(t, peer.conn.Events(), EventStderr)
	assert.Equal(t, "trace line", ev.Text)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	peer := newFakePeer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := peer.conn.SendRequest(context.Background(), "ping", nil)
		errCh <- err
	}()
	peer.readFrame(t)

	peer.stdoutW.Close()
	peer.stderrW.Close()

	err := <-errCh
	require.ErrorIs(t, err, ErrClosed)

	ev := waitEvent(t, peer.conn.Events(), EventClose)
	assert.ErrorIs(t, ev.Err, ErrClosed)

	// No new requests after close.
	_, err = peer.conn.SendRequest(context.Background(), "late", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelDetachesPending(t *testing.T) {
	peer := newFakePeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := peer.conn.SendRequest(ctx, "slow", nil)
		errCh <- err
	}()
	peer.readFrame(t)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The late response is dropped; the conn keeps working.
	peer.inject(t, `{"id":1,"result":{}}`)
	peer.inject(t, `{"method":"after/cancel"}`)
	ev := waitEvent(t, peer.conn.Events(), EventNotification)
	assert.Equal(t, "after/cancel", ev.Method)
}

func TestSendResponseShapes(t *testing.T) {
	peer := newFakePeer(t)

	errC := make(chan error, 2)
	go func() {
		errC <- peer.conn.SendResponse(7, map[string]string{"decision": "approved"}, nil)
		errC <- peer.conn.SendResponse(8, nil, &WireError{Message: "denied"})
	}()

	frame := peer.readFrame(t)
	assert.Equal(t, float64(7), frame["id"])
	assert.Equal(t, map[string]any{"decision": "approved"}, frame["result"])
	require.NoError(t, <-errC)

	frame = peer.readFrame(t)
	assert.Equal(t, float64(8), frame["id"])
	errObj, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "denied", errObj["message"])
	require.NoError(t, <-errC)
}

func TestConcurrentRequestsEachGetOwnResponse(t *testing.T) {
	peer := newFakePeer(t)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := peer.conn.SendRequest(context.Background(), "echo", nil)
			if err != nil {
				errs <- err
				return
			}
			// Each request must receive the response carrying its own id.
			var got struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(res, &got); err != nil {
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	for i := 0; i < n; i++ {
		frame := peer.readFrame(t)
		id := int64(frame["id"].(float64))
		peer.inject(t, fmt.Sprintf(`{"id":%d,"result":{"id":%d}}`, id, id))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestWriteErrorClosesConnection(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	conn := NewConn(failingWriter{}, stdoutR, nil)
	_, err := conn.SendRequest(context.Background(), "ping", nil)
	require.Error(t, err)

	_, err = conn.SendRequest(context.Background(), "again", nil)
	require.ErrorIs(t, err, ErrClosed)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("pipe broken")
}
