package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"consultnet/internal/core/domain"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingType  = errors.New("message type is required")
	ErrMissingRoom  = errors.New("room_id is required")
	ErrNotForwarded = errors.New("envelope kind has no wire form")
)

type frame struct {
	Type    Type            `json:"type"`
	RoomID  domain.RoomID   `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode renders a message as one JSON text frame.
func Encode(m Message) ([]byte, error) {
	f := frame{Type: m.Type(), RoomID: m.Room()}

	switch msg := m.(type) {
	case *Offer:
		f.Payload = msg.Payload
	case *Answer:
		f.Payload = msg.Payload
	case *Signal:
		f.Payload = msg.Payload
	case *Chat:
		f.Payload = msg.Payload
	case *CreateRoom, *JoinRoom, *RoomCreated, *RoomJoined, *ParticipantJoined, *LeaveRoom, *End, *Error:
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Type(), err)
		}
		if string(payload) != "{}" {
			f.Payload = payload
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	return json.Marshal(f)
}

// Decode parses one JSON text frame.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}

	var m Message
	switch f.Type {
	case TypeOffer:
		m = &Offer{RoomID: f.RoomID, Payload: f.Payload}
	case TypeAnswer:
		m = &Answer{RoomID: f.RoomID, Payload: f.Payload}
	case TypeSignal:
		m = &Signal{RoomID: f.RoomID, Payload: f.Payload}
	case TypeChat:
		m = &Chat{RoomID: f.RoomID, Payload: f.Payload}
	case TypeCreateRoom:
		msg := &CreateRoom{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		msg.RoomID = f.RoomID
		m = msg
	case TypeJoinRoom:
		msg := &JoinRoom{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		msg.RoomID = f.RoomID
		m = msg
	case TypeRoomCreated:
		msg := &RoomCreated{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		if msg.RoomInfo.RoomID == "" {
			msg.RoomInfo.RoomID = f.RoomID
		}
		m = msg
	case TypeRoomJoined:
		msg := &RoomJoined{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		if msg.RoomInfo.RoomID == "" {
			msg.RoomInfo.RoomID = f.RoomID
		}
		m = msg
	case TypeParticipantJoined:
		msg := &ParticipantJoined{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		msg.RoomID = f.RoomID
		m = msg
	case TypeLeaveRoom:
		m = &LeaveRoom{RoomID: f.RoomID}
	case TypeEnd:
		msg := &End{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		msg.RoomID = f.RoomID
		m = msg
	case TypeError:
		msg := &Error{}
		if err := unmarshalPayload(f, msg); err != nil {
			return nil, err
		}
		msg.RoomID = f.RoomID
		m = msg
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if m.Room() == "" && f.Type != TypeError {
		return nil, fmt.Errorf("%s: %w", f.Type, ErrMissingRoom)
	}
	return m, nil
}

func unmarshalPayload(f frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	return nil
}

// FromEnvelope converts a relayed envelope into the frame delivered to its
// recipient.
func FromEnvelope(env domain.Envelope) (Message, error) {
	switch env.Kind {
	case domain.KindOffer:
		return &Offer{RoomID: env.RoomID, Payload: env.Payload}, nil
	case domain.KindAnswer:
		return &Answer{RoomID: env.RoomID, Payload: env.Payload}, nil
	case domain.KindSignal:
		return &Signal{RoomID: env.RoomID, Payload: env.Payload}, nil
	case domain.KindChat:
		return &Chat{RoomID: env.RoomID, Payload: env.Payload}, nil
	case domain.KindEnd, domain.KindLeave:
		var notice domain.EndNotice
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &notice); err != nil {
				return nil, fmt.Errorf("invalid end payload: %w", err)
			}
		}
		return &End{RoomID: env.RoomID, Reason: notice.Reason}, nil
	case domain.KindRoomCreated, domain.KindRoomJoined:
		var room domain.Room
		if err := json.Unmarshal(env.Payload, &room); err != nil {
			return nil, fmt.Errorf("invalid room payload: %w", err)
		}
		if env.Kind == domain.KindRoomCreated {
			return &RoomCreated{RoomInfo: NewRoomInfo(room)}, nil
		}
		return &RoomJoined{RoomInfo: NewRoomInfo(room)}, nil
	case domain.KindParticipantJoined:
		var p domain.Participant
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid participant payload: %w", err)
		}
		return &ParticipantJoined{RoomID: env.RoomID, Participant: p}, nil
	case domain.KindCreate, domain.KindJoin:
		return nil, fmt.Errorf("%w: %s", ErrNotForwarded, env.Kind)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Kind)
}

// EnvelopeKind maps client-originated relay messages to envelope kinds.
func EnvelopeKind(m Message) (domain.EnvelopeKind, json.RawMessage, bool) {
	switch msg := m.(type) {
	case *Offer:
		return domain.KindOffer, msg.Payload, true
	case *Answer:
		return domain.KindAnswer, msg.Payload, true
	case *Signal:
		return domain.KindSignal, msg.Payload, true
	case *Chat:
		return domain.KindChat, msg.Payload, true
	case *LeaveRoom:
		return domain.KindLeave, nil, true
	case *End:
		payload, _ := json.Marshal(domain.EndNotice{Reason: msg.Reason})
		return domain.KindEnd, payload, true
	}
	return "", nil, false
}
