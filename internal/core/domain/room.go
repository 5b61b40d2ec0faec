package domain

import "time"

type RoomID string
type ParticipantID string

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

type RoomState string

const (
	RoomStateEmpty          RoomState = "empty"
	RoomStateWaitingForPeer RoomState = "waiting_for_peer"
	RoomStateNegotiating    RoomState = "negotiating"
	RoomStateActive         RoomState = "active"
	RoomStateEnded          RoomState = "ended"
)

// Live reports whether the room currently has an initiator holding it.
func (s RoomState) Live() bool {
	return s == RoomStateWaitingForPeer || s == RoomStateNegotiating || s == RoomStateActive
}

// NegotiationProgress tracks how far the offer/answer exchange has gone.
type NegotiationProgress string

const (
	NegotiationNone     NegotiationProgress = "none"
	NegotiationOffered  NegotiationProgress = "offered"
	NegotiationAnswered NegotiationProgress = "answered"
)

type EndReason string

const (
	EndReasonNone            EndReason = ""
	EndReasonParticipantLeft EndReason = "participant_left"
	EndReasonCallEnded       EndReason = "call_ended"
	EndReasonDisconnected    EndReason = "disconnected"
	EndReasonExpired         EndReason = "expired"
	EndReasonAdministrative  EndReason = "administrative"
)

const MaxParticipants = 2

type Participant struct {
	ID          ParticipantID `json:"id"`
	Role        Role          `json:"role"`
	DisplayName string        `json:"display_name,omitempty"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// Room is a value snapshot of one consultation room. The registry owns the
// authoritative copy; everything handed out is a copy.
type Room struct {
	ID           RoomID              `json:"id"`
	State        RoomState           `json:"state"`
	Negotiation  NegotiationProgress `json:"negotiation"`
	Participants []Participant       `json:"participants"`
	Label        string              `json:"label,omitempty"`
	AudioOnly    bool                `json:"audio_only,omitempty"`
	Generation   uint64              `json:"generation"`
	CreatedAt    time.Time           `json:"created_at"`
	AnsweredAt   time.Time           `json:"answered_at,omitempty"`
	EndedAt      time.Time           `json:"ended_at,omitempty"`
	EndReason    EndReason           `json:"end_reason,omitempty"`
}

// RoomDetails is appointment metadata attached to a room at creation.
type RoomDetails struct {
	Label     string
	AudioOnly bool
}

// DeriveState computes the lifecycle state from occupancy and negotiation
// progress. It is the only place room state is decided.
func DeriveState(participants int, progress NegotiationProgress, ended bool) RoomState {
	switch {
	case ended:
		return RoomStateEnded
	case participants <= 0:
		return RoomStateEmpty
	case participants == 1:
		return RoomStateWaitingForPeer
	case progress == NegotiationAnswered:
		return RoomStateActive
	default:
		return RoomStateNegotiating
	}
}

func (r Room) Member(id ParticipantID) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Peer returns the occupant other than id.
func (r Room) Peer(id ParticipantID) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID != id {
			return p, true
		}
	}
	return Participant{}, false
}

func (r Room) ByRole(role Role) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy
func (r Room) Clone() Room {
	c := r
	if r.Participants != nil {
		c.Participants = append([]Participant(nil), r.Participants...)
	}
	return c
}

// Duration is the time between the answer and the end of the call, or zero
// when the call never connected.
func (r Room) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}

type RegistryStats struct {
	Rooms       int               `json:"rooms"`
	ByState     map[RoomState]int `json:"by_state"`
	Connections int               `json:"connections,omitempty"`
}
