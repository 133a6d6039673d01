// Package observers interprets the broker's RPC traffic and maintains the
// derived state: thread activity, thread index, analytics, and review
// sessions. Observers run off the hot path; their failures are logged and
// swallowed so broadcast never stalls.
package observers

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/supervisor"
)

// Kind labels one observed traffic item. The values double as the event
// type prefixes in the analytics log.
type Kind string

const (
	// KindEvent is a child-emitted notification.
	KindEvent Kind = "rpc.event"
	// KindRequest is a client request relayed to the child.
	KindRequest Kind = "rpc.request"
	// KindResponse is the child's response to a client request.
	KindResponse Kind = "rpc.response"
	// KindServerRequest is a child-initiated request (approval flows).
	KindServerRequest Kind = "rpc.serverRequest"
	// KindDecision is a client's reply to a server request.
	KindDecision Kind = "approval.decision"
	// KindStart marks a successful child start.
	KindStart Kind = "profile.start"
	// KindExit marks the child's exit.
	KindExit Kind = "profile.exit"
	// KindStop marks an explicit client stop.
	KindStop Kind = "profile.stop"
)

// Traffic is one observed item. Params carries request/notification
// payloads; Result carries response payloads.
type Traffic struct {
	Kind      Kind
	ProfileID string
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	RequestID int64
}

// Observer consumes traffic. Implementations must be idempotent with
// respect to their stores.
type Observer interface {
	Name() string
	Handle(tr Traffic) error
}

// Dispatcher fans traffic out to observers on its own goroutine. Publish
// never blocks; when the buffer is full the item is dropped with a log
// line rather than stalling the broker.
type Dispatcher struct {
	ch        chan Traffic
	quit      chan struct{}
	done      chan struct{}
	observers []Observer
}

// NewDispatcher starts a dispatcher over the given observers.
func NewDispatcher(buffer int, obs ...Observer) *Dispatcher {
	d := &Dispatcher{
		ch:        make(chan Traffic, buffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		observers: obs,
	}
	go d.run()
	return d
}

// Publish offers one traffic item to the observers.
func (d *Dispatcher) Publish(tr Traffic) {
	select {
	case d.ch <- tr:
	default:
		log.Warn().Str("kind", string(tr.Kind)).Str("method", tr.Method).Msg("observer queue full, dropping traffic")
	}
}

// Stop drains buffered traffic and stops the dispatcher.
func (d *Dispatcher) Stop() {
	close(d.quit)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case tr := <-d.ch:
			d.handle(tr)
		case <-d.quit:
			// Drain what is already buffered, then exit.
			for {
				select {
				case tr := <-d.ch:
					d.handle(tr)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(tr Traffic) {
	for _, obs := range d.observers {
		if err := obs.Handle(tr); err != nil {
			log.Error().Err(err).
				Str("observer", obs.Name()).
				Str("kind", string(tr.Kind)).
				Str("method", tr.Method).
				Msg("observer failed, event dropped")
		}
	}
}

// Bridge translates supervisor events into observer traffic. Run it as a
// goroutine over a dedicated subscription; it returns when the channel
// closes.
func Bridge(events <-chan supervisor.Event, d *Dispatcher) {
	for ev := range events {
		switch ev.Kind {
		case appserver.EventNotification:
			d.Publish(Traffic{Kind: KindEvent, ProfileID: ev.ProfileID, Method: ev.Method, Params: ev.Params})
		case appserver.EventPeerRequest:
			d.Publish(Traffic{Kind: KindServerRequest, ProfileID: ev.ProfileID, Method: ev.Method, Params: ev.Params, RequestID: ev.ID})
		case appserver.EventExit:
			d.Publish(Traffic{Kind: KindExit, ProfileID: ev.ProfileID})
		}
	}
}
