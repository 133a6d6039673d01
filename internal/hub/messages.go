package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/rpc"
)

// Supervisor is the slice of the process supervisor the broker depends on.
type Supervisor interface {
	Start(ctx context.Context, profile profiles.Profile) error
	Stop(profileID string)
	Request(ctx context.Context, profileID, method string, params any) (json.RawMessage, error)
	Respond(ctx context.Context, profileID string, id int64, result any, wireErr *rpc.WireError)
}

// clientMessage is one inbound envelope. RequestID correlates client and
// broker; ID correlates broker and child. The two are never interchanged.
type clientMessage struct {
	Type      string          `json:"type"`
	ProfileID string          `json:"profileId"`
	RequestID string          `json:"requestId"`
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
}

// serverMessage is one outbound envelope.
type serverMessage struct {
	Type      string          `json:"type"`
	ProfileID string          `json:"profileId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Text      string          `json:"text,omitempty"`
	Code      *int            `json:"code,omitempty"`
}

// broadcastMessage serializes once and fans out to every client.
func (h *Hub) broadcastMessage(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

func (h *Hub) reply(c *Client, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket reply")
		return
	}
	c.enqueue(data)
}

func (h *Hub) handleMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, serverMessage{Type: "error", Message: "Invalid JSON"})
		return
	}

	switch msg.Type {
	case "profile.start":
		h.handleProfileStart(c, msg)
	case "profile.stop":
		h.handleProfileStop(c, msg)
	case "rpc.request":
		h.handleRPCRequest(c, msg)
	case "rpc.response":
		h.handleRPCResponse(c, msg)
	default:
		h.reply(c, serverMessage{Type: "error", Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (h *Hub) handleProfileStart(c *Client, msg clientMessage) {
	profile, err := h.store.Get(msg.ProfileID)
	if err != nil {
		h.reply(c, serverMessage{Type: "error", ProfileID: msg.ProfileID, Message: fmt.Sprintf("unknown profile %q", msg.ProfileID)})
		return
	}

	// Starting blocks through the handshake; keep the read loop free.
	go func() {
		if err := h.sup.Start(context.Background(), profile); err != nil {
			h.reply(c, serverMessage{Type: "error", ProfileID: msg.ProfileID, Message: err.Error()})
			return
		}
		h.observe(observers.Traffic{Kind: observers.KindStart, ProfileID: msg.ProfileID})
		h.reply(c, serverMessage{Type: "profile.started", ProfileID: msg.ProfileID})
	}()
}

func (h *Hub) handleProfileStop(c *Client, msg clientMessage) {
	h.sup.Stop(msg.ProfileID)
	h.observe(observers.Traffic{Kind: observers.KindStop, ProfileID: msg.ProfileID})
	h.reply(c, serverMessage{Type: "profile.stopped", ProfileID: msg.ProfileID})
}

func (h *Hub) handleRPCRequest(c *Client, msg clientMessage) {
	h.observe(observers.Traffic{
		Kind: observers.KindRequest, ProfileID: msg.ProfileID, Method: msg.Method, Params: msg.Params,
	})

	go func() {
		result, err := h.sup.Request(context.Background(), msg.ProfileID, msg.Method, msg.Params)
		if err != nil {
			h.reply(c, serverMessage{Type: "rpc.response", RequestID: msg.RequestID, Error: err.Error()})
			return
		}
		h.observe(observers.Traffic{
			Kind: observers.KindResponse, ProfileID: msg.ProfileID, Method: msg.Method, Result: result,
		})
		h.reply(c, serverMessage{Type: "rpc.response", RequestID: msg.RequestID, Result: result})
	}()
}

func (h *Hub) handleRPCResponse(c *Client, msg clientMessage) {
	if msg.ID == nil {
		h.reply(c, serverMessage{Type: "error", Message: "rpc.response requires a numeric id"})
		return
	}

	var wireErr *rpc.WireError
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		wireErr = &rpc.WireError{}
		if err := json.Unmarshal(msg.Error, wireErr); err != nil {
			// Not an error object; carry the raw text as the message.
			wireErr = &rpc.WireError{Message: string(msg.Error)}
		}
	}

	var result any
	if len(msg.Result) > 0 {
		result = msg.Result
	}
	h.sup.Respond(context.Background(), msg.ProfileID, *msg.ID, result, wireErr)

	h.observe(observers.Traffic{
		Kind: observers.KindDecision, ProfileID: msg.ProfileID, RequestID: *msg.ID, Result: msg.Result,
	})
}
