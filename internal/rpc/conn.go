package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for requests issued or still pending when the
// connection shuts down.
var ErrClosed = errors.New("connection closed")

// WireError is the error object of a peer response.
type WireError struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return e.Message
}

// EventKind discriminates connection events.
type EventKind string

const (
	EventNotification EventKind = "notification"
	EventPeerRequest  EventKind = "peerRequest"
	EventStderr       EventKind = "stderr"
	EventError        EventKind = "error"
	EventClose        EventKind = "close"
)

// Event is one item on the connection's event stream.
type Event struct {
	Kind   EventKind
	Method string          // notification, peerRequest
	Params json.RawMessage // notification, peerRequest
	ID     int64           // peerRequest
	Text   string          // stderr
	Err    error           // error, close
}

// wireFrame is the superset of inbound and outbound frame shapes.
type wireFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Conn multiplexes JSON-RPC traffic over a child process's stdio. It owns
// one reader goroutine per input stream; writes to stdin are serialized so
// each frame lands as a single atomic line.
type Conn struct {
	stdin   io.Writer
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan pendingResult
	closed   bool
	closeErr error

	nextID atomic.Int64

	events chan Event
	wg     sync.WaitGroup
}

// NewConn wires a connection over the given streams and starts its reader
// goroutines. stderr may be nil.
func NewConn(stdin io.Writer, stdout, stderr io.Reader) *Conn {
	c := &Conn{
		stdin:   stdin,
		pending: make(map[int64]chan pendingResult),
		events:  make(chan Event, 256),
	}

	c.wg.Add(1)
	go c.readStdout(stdout)
	if stderr != nil {
		c.wg.Add(1)
		go c.readStderr(stderr)
	}
	go func() {
		c.wg.Wait()
		c.shutdown(ErrClosed)
		c.mu.Lock()
		reason := c.closeErr
		c.mu.Unlock()
		c.events <- Event{Kind: EventClose, Err: reason}
		close(c.events)
	}()

	return c
}

// Events returns the connection's event stream. The channel is closed after
// the close event once both readers have exited.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SendRequest writes a request frame and blocks until the matching response
// arrives, the connection closes, or ctx is done. Cancelling detaches the
// pending entry; a late response is dropped silently.
func (c *Conn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame := wireFrame{ID: &id, Method: method}
	if err := frame.setParams(params); err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.writeFrame(frame); err != nil {
		c.dropPending(id)
		c.shutdown(fmt.Errorf("write request: %w", err))
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// SendNotification writes a notification frame (no id, no reply expected).
func (c *Conn) SendNotification(method string, params any) error {
	frame := wireFrame{Method: method}
	if err := frame.setParams(params); err != nil {
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		c.shutdown(fmt.Errorf("write notification: %w", err))
		return err
	}
	return nil
}

// SendResponse replies to a peer request by id.
func (c *Conn) SendResponse(id int64, result any, wireErr *WireError) error {
	payload := map[string]any{"id": id}
	if wireErr != nil {
		payload["error"] = wireErr
	} else {
		payload["result"] = result
	}
	if err := c.writeJSON(payload); err != nil {
		c.shutdown(fmt.Errorf("write response: %w", err))
		return err
	}
	return nil
}

// Close fails every pending request with the default close reason. The
// event channel stays open until the underlying streams reach EOF.
func (c *Conn) Close() {
	c.shutdown(ErrClosed)
}

func (c *Conn) writeFrame(frame wireFrame) error {
	return c.writeJSON(frame)
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

func (f *wireFrame) setParams(params any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	f.Params = raw
	return nil
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// shutdown marks the connection closed and fails every pending request.
// Safe to call more than once; the first reason wins.
func (c *Conn) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	drained := c.pending
	c.pending = make(map[int64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range drained {
		ch <- pendingResult{err: reason}
	}
}

func (c *Conn) readStdout(r io.Reader) {
	defer c.wg.Done()

	var framer Framer
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			for _, line := range lines {
				c.handleFrame(line)
			}
			if ferr != nil {
				c.events <- Event{Kind: EventError, Err: ferr}
			}
		}
		if err != nil {
			framer.Reset()
			if !errors.Is(err, io.EOF) {
				c.events <- Event{Kind: EventError, Err: err}
			}
			return
		}
	}
}

func (c *Conn) readStderr(r io.Reader) {
	defer c.wg.Done()

	var framer Framer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, _ := framer.Feed(buf[:n])
			for _, line := range lines {
				c.events <- Event{Kind: EventStderr, Text: line}
			}
		}
		if err != nil {
			framer.Reset()
			return
		}
	}
}

// handleFrame classifies one inbound line per (id?, method?).
func (c *Conn) handleFrame(line string) {
	if !strings.HasPrefix(line, "{") {
		c.events <- Event{Kind: EventError, Err: fmt.Errorf("non-object frame: %.80s", line)}
		return
	}

	var frame wireFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		c.events <- Event{Kind: EventError, Err: fmt.Errorf("parse frame: %w", err)}
		return
	}

	switch {
	case frame.ID != nil && frame.Method != "":
		c.events <- Event{Kind: EventPeerRequest, ID: *frame.ID, Method: frame.Method, Params: frame.Params}
	case frame.ID != nil:
		c.resolvePending(*frame.ID, frame)
	case frame.Method != "":
		c.events <- Event{Kind: EventNotification, Method: frame.Method, Params: frame.Params}
	default:
		c.events <- Event{Kind: EventError, Err: fmt.Errorf("frame with neither id nor method: %.80s", line)}
	}
}

func (c *Conn) resolvePending(id int64, frame wireFrame) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// Cancelled or never ours.
		log.Debug().Int64("id", id).Msg("dropping response with no pending request")
		return
	}

	if frame.Error != nil {
		ch <- pendingResult{err: frame.Error}
		return
	}
	ch <- pendingResult{result: frame.Result}
}
