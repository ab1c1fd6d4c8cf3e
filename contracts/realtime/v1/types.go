// Package v1 defines the Campus Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server and clients so the wire protocol
// stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract.
const Subprotocol = "campus.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeSubscribe requests membership in a topic (client -> relay).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms a subscribe request (relay -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe leaves a topic (client -> relay).
	TypeUnsubscribe = "unsubscribe"

	// TypeBroadcast carries an ephemeral application event for a topic.
	// Client -> relay to publish; relay -> clients to deliver.
	TypeBroadcast = "broadcast"

	// TypePresenceTrack announces the sender's presence payload on a topic.
	TypePresenceTrack = "presence_track"
	// TypePresenceUntrack withdraws the sender's presence without leaving the topic.
	TypePresenceUntrack = "presence_untrack"
	// TypePresenceState is the full aggregated presence snapshot (relay -> clients).
	TypePresenceState = "presence_state"
	// TypePresenceDiff is an incremental join/leave delta (relay -> clients).
	TypePresenceDiff = "presence_diff"

	// TypeError is a generic error envelope (relay -> client).
	TypeError = "error"
)

// Presence diff events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeBroadcast,
		TypePresenceTrack,
		TypePresenceUntrack,
		TypePresenceState,
		TypePresenceDiff,
		TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}

	switch e.Type {
	case TypeError:
		// Errors may be session-level and carry no topic.
	default:
		if strings.TrimSpace(e.Topic) == "" {
			return errors.New("missing field: topic")
		}
	}
	return nil
}

// ---- Payloads ----

// SubscribeAckPayload carries the relay-assigned session key for the topic.
// The session key doubles as the default presence key.
type SubscribeAckPayload struct {
	SessionKey string `json:"session_key"`
}

// BroadcastPayload is an application-defined event published on a topic.
// ID is a client-generated identifier consumers may use to dedupe.
type BroadcastPayload struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// PresenceTrackPayload announces (or re-announces) a presence payload.
// An empty Key means "use the session key".
type PresenceTrackPayload struct {
	Key  string          `json:"key,omitempty"`
	Meta json.RawMessage `json:"meta"`
}

// PresenceStatePayload is the full presence snapshot for a topic:
// presence key -> all payloads currently tracked under that key.
type PresenceStatePayload struct {
	State map[string][]json.RawMessage `json:"state"`
}

// PresenceDiffPayload is an incremental presence change for a topic.
// Event is PresenceJoin or PresenceLeave.
type PresenceDiffPayload struct {
	Event string            `json:"event"`
	Key   string            `json:"key"`
	Metas []json.RawMessage `json:"metas"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatMessage is the broadcast payload for a stored course message.
// It mirrors the persisted row so live delivery and history fetches agree.
type ChatMessage struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"course_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID *string   `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderRole  string    `json:"sender_role,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
