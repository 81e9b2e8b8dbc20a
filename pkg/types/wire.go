package types

import (
	"encoding/json"
)

// Event is the wire form of a mutation event. Ordinal is the thread's
// history counter value after the event was recorded; zero for
// live-only kinds.
type Event struct {
	Thread  uint64          `json:"thread"`
	Ordinal uint64          `json:"ordinal,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Priv restricts the event to one privilege channel. Privileged
	// events share the thread's history counter but are filtered out
	// of replay and delivery for viewers without the channel token.
	Priv string `json:"priv,omitempty"`
}

// VisibleTo reports whether the event may be delivered to the given
// identity.
func (e *Event) VisibleTo(ident Ident) bool {
	return ident.CanSeePriv(e.Priv)
}

// CacheUpdate keeps process-wide caches (post ownership, tag index)
// current. It rides the global cache topic alongside the mutation
// stream.
type CacheUpdate struct {
	Kind Kind     `json:"kind"`
	Op   uint64   `json:"op"`
	Tag  string   `json:"tag,omitempty"`
	Num  uint64   `json:"num,omitempty"`
	Nums []uint64 `json:"nums,omitempty"`
}

// SyncRequest is the first message a client sends on every (re)connect.
// Watermarks maps thread num to the last ordinal the client has
// applied; Live requests the board's live tail instead of explicit
// watermarks.
type SyncRequest struct {
	ClientID   string            `json:"client_id"`
	Board      string            `json:"board"`
	Watermarks map[uint64]uint64 `json:"watermarks,omitempty"`
	Live       bool              `json:"live,omitempty"`
}

// SyncAck terminates the backlog batch. Any thread the server had to
// drop from the watch set is named here, never silently ignored.
type SyncAck struct {
	Dropped []uint64 `json:"dropped,omitempty"`
}

// ClientMessage is the envelope for everything a client sends after
// synchronizing: post mutations and pings.
type ClientMessage struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AllocatePayload reserves a post (open, body empty or seeded) on a
// thread, or a new thread when OP is zero.
type AllocatePayload struct {
	OP      uint64 `json:"op,omitempty"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	Image   *Image `json:"image,omitempty"`
}

// InvalidMessage tells the client it is out of sync and must reload.
type InvalidMessage struct {
	Reason string `json:"reason,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
// Exactly one of the optional fields is set, matching Kind: mutation
// events carry Event, a sync acknowledgement carries Ack, a protocol
// failure carries Invalid, and a ping carries nothing.
type ServerMessage struct {
	Kind    Kind            `json:"kind"`
	Event   *Event          `json:"event,omitempty"`
	Ack     *SyncAck        `json:"ack,omitempty"`
	Invalid *InvalidMessage `json:"invalid,omitempty"`
}

// EventMessage wraps a mutation event for sending.
func EventMessage(ev Event) *ServerMessage {
	return &ServerMessage{Kind: ev.Kind, Event: &ev}
}
