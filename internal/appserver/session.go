// Package appserver owns the lifecycle of one codex app-server subprocess:
// spawn, handshake, RPC relay, and exit reporting.
package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/rpc"
)

// HandshakeTimeout bounds the initialize round-trip. On expiry the child is
// killed and Start fails.
const HandshakeTimeout = 30 * time.Second

// ClientInfo identifies the hub to the child during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options configure a session.
type Options struct {
	Binary        string
	BaseArgs      []string
	AppServerArgs []string
	CodexHome     string
	Cwd           string
	ClientInfo    ClientInfo
}

// EventKind discriminates session lifecycle events.
type EventKind string

const (
	EventNotification EventKind = "notification"
	EventPeerRequest  EventKind = "peerRequest"
	EventStderr       EventKind = "stderr"
	EventExit         EventKind = "exit"
	EventError        EventKind = "error"
)

// Event is one item on the session's event stream.
type Event struct {
	Kind     EventKind
	Method   string
	Params   json.RawMessage
	ID       int64
	Text     string
	ExitCode *int
	Err      error
}

// Session is one running app-server child. At most one exists per profile;
// the supervisor enforces that invariant.
type Session struct {
	opts Options

	cmd  *exec.Cmd
	conn *rpc.Conn

	ready  chan struct{}
	events chan Event

	mu      sync.Mutex
	started bool
	exited  bool

	stopOnce sync.Once
}

// New prepares a session; nothing runs until Start.
func New(opts Options) *Session {
	return &Session{
		opts:   opts,
		ready:  make(chan struct{}),
		events: make(chan Event, 256),
	}
}

// Events returns the session's lifecycle stream. The channel closes after
// the exit event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start spawns the child, wires the RPC connection over its stdio, and
// performs the initialize/initialized handshake. It returns once the child
// is ready. Calling Start on an already started session is an error; the
// supervisor's idempotent start reuses the registered session instead.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	args := append(append([]string{}, s.opts.BaseArgs...), "app-server")
	args = append(args, s.opts.AppServerArgs...)

	cmd := exec.Command(s.opts.Binary, args...)
	cmd.Env = append(os.Environ(), "CODEX_HOME="+s.opts.CodexHome)
	if s.opts.Cwd != "" {
		cmd.Dir = s.opts.Cwd
	}

	// Failures before forwardEvents runs must close the event stream here;
	// nothing else ever will, and consumers range over it.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		close(s.events)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		close(s.events)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		close(s.events)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		close(s.events)
		return fmt.Errorf("start %s: %w", s.opts.Binary, err)
	}

	s.cmd = cmd
	s.conn = rpc.NewConn(stdin, stdout, stderr)
	go s.forwardEvents()

	log.Info().
		Str("binary", s.opts.Binary).
		Str("codexHome", s.opts.CodexHome).
		Int("pid", cmd.Process.Pid).
		Msg("app-server spawned")

	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	if _, err := s.conn.SendRequest(hsCtx, "initialize", map[string]any{"clientInfo": s.opts.ClientInfo}); err != nil {
		s.kill()
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := s.conn.SendNotification("initialized", map[string]any{}); err != nil {
		s.kill()
		return fmt.Errorf("initialized notification: %w", err)
	}

	close(s.ready)
	return nil
}

// PID returns the child's process id, or 0 before Start.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Request relays a client request to the child, waiting for readiness
// first.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	return s.conn.SendRequest(ctx, method, params)
}

// Notify relays a notification to the child.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	return s.conn.SendNotification(method, params)
}

// Respond relays a client's reply to an earlier peer request.
func (s *Session) Respond(ctx context.Context, id int64, result any, wireErr *rpc.WireError) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	return s.conn.SendResponse(id, result, wireErr)
}

// Stop terminates the child. Safe to call repeatedly and after exit.
func (s *Session) Stop() {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return
	}

	s.stopOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.Debug().Err(err).Int("pid", s.PID()).Msg("SIGTERM failed, child likely gone")
			}
		}
	})
}

func (s *Session) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) kill() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// forwardEvents maps connection events onto session events, then reaps the
// child once the connection drains.
func (s *Session) forwardEvents() {
	for ev := range s.conn.Events() {
		switch ev.Kind {
		case rpc.EventNotification:
			s.events <- Event{Kind: EventNotification, Method: ev.Method, Params: ev.Params}
		case rpc.EventPeerRequest:
			s.events <- Event{Kind: EventPeerRequest, ID: ev.ID, Method: ev.Method, Params: ev.Params}
		case rpc.EventStderr:
			s.events <- Event{Kind: EventStderr, Text: ev.Text}
		case rpc.EventError:
			s.events <- Event{Kind: EventError, Err: ev.Err}
		case rpc.EventClose:
			// exit follows below once the child is reaped
		}
	}

	exitCode := s.reap()
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()

	s.events <- Event{Kind: EventExit, ExitCode: exitCode}
	close(s.events)
}

// reap waits for the child and extracts its exit code; nil when the child
// was killed by a signal.
func (s *Session) reap() *int {
	if s.cmd == nil {
		return nil
	}
	err := s.cmd.Wait()
	if s.cmd.ProcessState == nil {
		log.Warn().Err(err).Msg("app-server wait returned no process state")
		return nil
	}
	code := s.cmd.ProcessState.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}
