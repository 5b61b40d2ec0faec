// Package protocol defines the signaling wire messages exchanged between call
// legs and the signaling server.
package protocol

import (
	"encoding/json"
	"time"

	"consultnet/internal/core/domain"
)

type Type string

const (
	TypeCreateRoom        Type = "createRoom"
	TypeJoinRoom          Type = "joinRoom"
	TypeRoomCreated       Type = "roomCreated"
	TypeRoomJoined        Type = "roomJoined"
	TypeParticipantJoined Type = "participant-joined"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeSignal            Type = "signal"
	TypeChat              Type = "chat"
	TypeLeaveRoom         Type = "leaveRoom"
	TypeEnd               Type = "end"
	TypeError             Type = "error"
)

type ErrorCode string

const (
	CodeRoomAlreadyExists ErrorCode = "room_already_exists"
	CodeRoomNotFound      ErrorCode = "room_not_found"
	CodeRoomFull          ErrorCode = "room_full"
	CodeAlreadyInRoom     ErrorCode = "already_in_room"
	CodeInvalidRoom       ErrorCode = "invalid_room"
	CodeBadRequest        ErrorCode = "bad_request"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeInternal          ErrorCode = "internal"
)

// Message is the closed set of signaling messages. Only types in this
// package implement it.
type Message interface {
	Type() Type
	Room() domain.RoomID
	sealed()
}

type CreateRoom struct {
	RoomID      domain.RoomID `json:"-"`
	DisplayName string        `json:"display_name,omitempty"`
}

type JoinRoom struct {
	RoomID      domain.RoomID `json:"-"`
	DisplayName string        `json:"display_name,omitempty"`
}

type RoomInfo struct {
	RoomID       domain.RoomID        `json:"room_id"`
	State        domain.RoomState     `json:"state"`
	Label        string               `json:"label,omitempty"`
	AudioOnly    bool                 `json:"audio_only,omitempty"`
	Participants []domain.Participant `json:"participants"`
	CreatedAt    time.Time            `json:"created_at"`
}

type RoomCreated struct {
	RoomInfo
}

type RoomJoined struct {
	RoomInfo
}

type ParticipantJoined struct {
	RoomID      domain.RoomID      `json:"-"`
	Participant domain.Participant `json:"participant"`
}

// Offer, Answer, Signal and Chat carry payloads the server never interprets.
type Offer struct {
	RoomID  domain.RoomID
	Payload json.RawMessage
}

type Answer struct {
	RoomID  domain.RoomID
	Payload json.RawMessage
}

type Signal struct {
	RoomID  domain.RoomID
	Payload json.RawMessage
}

type Chat struct {
	RoomID  domain.RoomID
	Payload json.RawMessage
}

type LeaveRoom struct {
	RoomID domain.RoomID `json:"-"`
}

type End struct {
	RoomID domain.RoomID    `json:"-"`
	Reason domain.EndReason `json:"reason,omitempty"`
}

type Error struct {
	RoomID  domain.RoomID `json:"-"`
	Code    ErrorCode     `json:"code"`
	Message string        `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (*CreateRoom) Type() Type        { return TypeCreateRoom }
func (*JoinRoom) Type() Type          { return TypeJoinRoom }
func (*RoomCreated) Type() Type       { return TypeRoomCreated }
func (*RoomJoined) Type() Type        { return TypeRoomJoined }
func (*ParticipantJoined) Type() Type { return TypeParticipantJoined }
func (*Offer) Type() Type             { return TypeOffer }
func (*Answer) Type() Type            { return TypeAnswer }
func (*Signal) Type() Type            { return TypeSignal }
func (*Chat) Type() Type              { return TypeChat }
func (*LeaveRoom) Type() Type         { return TypeLeaveRoom }
func (*End) Type() Type               { return TypeEnd }
func (*Error) Type() Type             { return TypeError }

func (m *CreateRoom) Room() domain.RoomID        { return m.RoomID }
func (m *JoinRoom) Room() domain.RoomID          { return m.RoomID }
func (m *RoomCreated) Room() domain.RoomID       { return m.RoomInfo.RoomID }
func (m *RoomJoined) Room() domain.RoomID        { return m.RoomInfo.RoomID }
func (m *ParticipantJoined) Room() domain.RoomID { return m.RoomID }
func (m *Offer) Room() domain.RoomID             { return m.RoomID }
func (m *Answer) Room() domain.RoomID            { return m.RoomID }
func (m *Signal) Room() domain.RoomID            { return m.RoomID }
func (m *Chat) Room() domain.RoomID              { return m.RoomID }
func (m *LeaveRoom) Room() domain.RoomID         { return m.RoomID }
func (m *End) Room() domain.RoomID               { return m.RoomID }
func (m *Error) Room() domain.RoomID             { return m.RoomID }

func (*CreateRoom) sealed()        {}
func (*JoinRoom) sealed()          {}
func (*RoomCreated) sealed()       {}
func (*RoomJoined) sealed()        {}
func (*ParticipantJoined) sealed() {}
func (*Offer) sealed()             {}
func (*Answer) sealed()            {}
func (*Signal) sealed()            {}
func (*Chat) sealed()              {}
func (*LeaveRoom) sealed()         {}
func (*End) sealed()               {}
func (*Error) sealed()             {}

func NewRoomInfo(room domain.Room) RoomInfo {
	participants := room.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	return RoomInfo{
		RoomID:       room.ID,
		State:        room.State,
		Label:        room.Label,
		AudioOnly:    room.AudioOnly,
		Participants: participants,
		CreatedAt:    room.CreatedAt,
	}
}
