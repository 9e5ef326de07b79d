package signal

import (
	"encoding/json"

	"zombiefile/internal/core/domain"
)

// Requests sent by peers.
const (
	TypeCreateRoom   = "create-room"
	TypeJoinRoom     = "join-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Messages sent by the relay.
const (
	TypeAck        = "ack"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is a message from a peer. Payload is opaque to the relay and is
// forwarded verbatim for offer, answer and ice-candidate.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	RoomID    domain.RoomID   `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is anything the relay sends: acks for requests, room events and
// relayed negotiation payloads.
type Message struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Status    string              `json:"status,omitempty"`
	Code      string              `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	RoomID    domain.RoomID       `json:"room_id,omitempty"`
	PeerCount int                 `json:"peer_count,omitempty"`
	From      domain.ConnectionID `json:"from,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

func isRelayType(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// emptyPayload reports whether a relay payload is absent or falsy. Any other
// value, an empty object included, is relayed untouched.
func emptyPayload(p json.RawMessage) bool {
	switch string(p) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}
