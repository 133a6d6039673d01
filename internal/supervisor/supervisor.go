// Package supervisor owns the fleet of app-server children, one per
// profile, and re-emits their lifecycle events as a unified stream tagged
// with the profile id.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/rpc"
)

// ErrNotRunning is returned by Request when no child is registered for the
// profile. The message is part of the client contract.
var ErrNotRunning = errors.New("profile app-server not running")

// Event is one supervisor event: a session event plus the profile it
// belongs to.
type Event struct {
	ProfileID string
	Kind      appserver.EventKind
	Method    string
	Params    json.RawMessage
	ID        int64
	Text      string
	ExitCode  *int
	Err       error
}

// session is the slice of appserver.Session the supervisor depends on;
// tests substitute fakes through the factory.
type session interface {
	Start(ctx context.Context) error
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Respond(ctx context.Context, id int64, result any, wireErr *rpc.WireError) error
	Stop()
	Events() <-chan appserver.Event
	PID() int
}

// Config carries the child-invocation settings shared by every profile.
type Config struct {
	Binary        string
	BaseArgs      []string
	AppServerArgs []string
	DefaultCwd    string
	ClientInfo    appserver.ClientInfo
}

// entry tracks one profile's session and its readiness.
type entry struct {
	session session
	ready   chan struct{}
	err     error
}

// Supervisor is the keyed registry of running sessions.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*entry

	subMu sync.Mutex
	subs  []chan Event

	newSession func(opts appserver.Options) session
}

// New creates a supervisor with no running children.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		newSession: func(opts appserver.Options) session {
			return appserver.New(opts)
		},
	}
}

// Subscribe returns a channel receiving every supervisor event. Slow
// subscribers lose events rather than block the publisher.
func (s *Supervisor) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Supervisor) publish(ev Event) {
	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("profileId", ev.ProfileID).Str("kind", string(ev.Kind)).Msg("supervisor subscriber full, dropping event")
		}
	}
}

// Start launches (or returns) the child for a profile. Concurrent callers
// for the same profile share one session; at most one child runs per
// profile id at any time.
func (s *Supervisor) Start(ctx context.Context, profile profiles.Profile) error {
	s.mu.Lock()
	if e, ok := s.sessions[profile.ID]; ok {
		s.mu.Unlock()
		select {
		case <-e.ready:
			return e.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e := &entry{
		session: s.newSession(appserver.Options{
			Binary:        s.cfg.Binary,
			BaseArgs:      s.cfg.BaseArgs,
			AppServerArgs: s.cfg.AppServerArgs,
			CodexHome:     profile.CodexHome,
			Cwd:           s.cfg.DefaultCwd,
			ClientInfo:    s.cfg.ClientInfo,
		}),
		ready: make(chan struct{}),
	}
	s.sessions[profile.ID] = e
	s.mu.Unlock()

	err := e.session.Start(ctx)
	e.err = err
	close(e.ready)

	if err != nil {
		s.removeEntry(profile.ID, e)
		return err
	}

	// Pump only sessions that actually started; a failed session may never
	// close its event stream, and the events channel is buffered, so
	// nothing emitted during startup is lost.
	go s.pumpEvents(profile.ID, e)

	log.Info().Str("profileId", profile.ID).Int("pid", e.session.PID()).Msg("profile app-server started")
	return nil
}

// Stop terminates the child for a profile. Safe on unknown ids.
func (s *Supervisor) Stop(profileID string) {
	s.mu.Lock()
	e, ok := s.sessions[profileID]
	if ok {
		delete(s.sessions, profileID)
	}
	s.mu.Unlock()

	if ok {
		e.session.Stop()
		log.Info().Str("profileId", profileID).Msg("profile app-server stopped")
	}
}

// StopAll terminates every running child. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for id, e := range s.sessions {
		entries = append(entries, e)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.session.Stop()
	}
}

// Running reports whether a child is registered for the profile.
func (s *Supervisor) Running(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[profileID]
	return ok
}

// RunningProfiles lists profile ids with a registered child.
func (s *Supervisor) RunningProfiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Request relays a client request to the profile's child.
func (s *Supervisor) Request(ctx context.Context, profileID, method string, params any) (json.RawMessage, error) {
	e, err := s.lookup(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return e.session.Request(ctx, method, params)
}

// Respond relays a client reply to an earlier child-initiated request.
// Unknown profiles are a no-op.
func (s *Supervisor) Respond(ctx context.Context, profileID string, id int64, result any, wireErr *rpc.WireError) {
	e, err := s.lookup(ctx, profileID)
	if err != nil {
		return
	}
	if err := e.session.Respond(ctx, id, result, wireErr); err != nil {
		log.Warn().Err(err).Str("profileId", profileID).Int64("id", id).Msg("failed to relay response to app-server")
	}
}

func (s *Supervisor) lookup(ctx context.Context, profileID string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.sessions[profileID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, ErrNotRunning
	}
	return e, nil
}

func (s *Supervisor) removeEntry(profileID string, e *entry) {
	s.mu.Lock()
	if current, ok := s.sessions[profileID]; ok && current == e {
		delete(s.sessions, profileID)
	}
	s.mu.Unlock()
}

// pumpEvents re-emits one session's events tagged with the profile id. The
// registry entry is removed before the exit event goes out, so observers
// that re-enter the supervisor see a clean slate.
func (s *Supervisor) pumpEvents(profileID string, e *entry) {
	for ev := range e.session.Events() {
		if ev.Kind == appserver.EventExit {
			s.removeEntry(profileID, e)
		}
		s.publish(Event{
			ProfileID: profileID,
			Kind:      ev.Kind,
			Method:    ev.Method,
			Params:    ev.Params,
			ID:        ev.ID,
			Text:      ev.Text,
			ExitCode:  ev.ExitCode,
			Err:       ev.Err,
		})
	}
}
