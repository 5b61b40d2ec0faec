package domain

import (
	"encoding/json"
	"time"
)

type EnvelopeKind string

const (
	KindCreate            EnvelopeKind = "create"
	KindJoin              EnvelopeKind = "join"
	KindOffer             EnvelopeKind = "offer"
	KindAnswer            EnvelopeKind = "answer"
	KindLeave             EnvelopeKind = "leave"
	KindEnd               EnvelopeKind = "end"
	KindChat              EnvelopeKind = "chat"
	KindSignal            EnvelopeKind = "signal"
	KindRoomCreated       EnvelopeKind = "room-created"
	KindRoomJoined        EnvelopeKind = "room-joined"
	KindParticipantJoined EnvelopeKind = "participant-joined"
)

// Forwarded reports whether envelopes of this kind travel verbatim to the
// other occupant.
func (k EnvelopeKind) Forwarded() bool {
	switch k {
	case KindOffer, KindAnswer, KindChat, KindSignal:
		return true
	}
	return false
}

// Envelope is the routing unit of the relay. Payload is opaque.
type Envelope struct {
	RoomID     RoomID          `json:"room_id"`
	Kind       EnvelopeKind    `json:"kind"`
	SenderID   ParticipantID   `json:"sender_id,omitempty"`
	SenderRole Role            `json:"sender_role,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// ChatMessage is the chat payload shape shared by both call legs.
type ChatMessage struct {
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// EndNotice is the payload of server-originated end envelopes.
type EndNotice struct {
	Reason EndReason `json:"reason"`
}
