package domain

import "time"

type RoomEventType string

const (
	EventRoomCreated       RoomEventType = "room-created"
	EventParticipantJoined RoomEventType = "participant-joined"
	EventParticipantLeft   RoomEventType = "participant-left"
	EventRoomEnded         RoomEventType = "room-ended"
)

// RoomEvent is emitted by the registry for every mutation. Room is the
// snapshot after the mutation, except for room-ended where it still lists the
// participants present at the moment the room ended.
type RoomEvent struct {
	Type        RoomEventType
	Room        Room
	Participant Participant
	Reason      EndReason
	// Notify lists the participants that must be told about the end.
	Notify []Participant
	At     time.Time
}

// SessionRecord is the persisted summary of one room lifecycle.
type SessionRecord struct {
	RoomID        RoomID        `json:"room_id"`
	Generation    uint64        `json:"generation"`
	Label         string        `json:"label,omitempty"`
	InitiatorName string        `json:"initiator_name,omitempty"`
	ResponderName string        `json:"responder_name,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	AnsweredAt    time.Time     `json:"answered_at,omitempty"`
	EndedAt       time.Time     `json:"ended_at"`
	EndReason     EndReason     `json:"end_reason"`
	Duration      time.Duration `json:"duration"`
}

// NewSessionRecord summarises an ended room
func NewSessionRecord(room Room) *SessionRecord {
	rec := &SessionRecord{
		RoomID:     room.ID,
		Generation: room.Generation,
		Label:      room.Label,
		CreatedAt:  room.CreatedAt,
		AnsweredAt: room.AnsweredAt,
		EndedAt:    room.EndedAt,
		EndReason:  room.EndReason,
		Duration:   room.Duration(),
	}
	if p, ok := room.ByRole(RoleInitiator); ok {
		rec.InitiatorName = p.DisplayName
	}
	if p, ok := room.ByRole(RoleResponder); ok {
		rec.ResponderName = p.DisplayName
	}
	return rec
}

type AppointmentType string

const (
	AppointmentVideo AppointmentType = "video"
	AppointmentAudio AppointmentType = "audio"
)

// Appointment is read-only metadata owned by the scheduling system.
type Appointment struct {
	ID            string          `yaml:"id" json:"id"`
	ClinicianName string          `yaml:"clinician" json:"clinician"`
	PatientName   string          `yaml:"patient" json:"patient"`
	ScheduledAt   time.Time       `yaml:"scheduled_at" json:"scheduled_at"`
	Type          AppointmentType `yaml:"type" json:"type"`
}

// WantsVideo reports whether the appointment is a video visit
func (a Appointment) WantsVideo() bool {
	return a.Type != AppointmentAudio
}

// Details is what a room carries from its appointment.
func (a Appointment) Details() RoomDetails {
	return RoomDetails{Label: a.Label(), AudioOnly: !a.WantsVideo()}
}

// Label is the display title of the appointment room
func (a Appointment) Label() string {
	label := a.ClinicianName + " with " + a.PatientName
	if !a.ScheduledAt.IsZero() {
		label += ", " + a.ScheduledAt.Format("Jan 2 15:04")
	}
	if a.Type == AppointmentAudio {
		label += " (audio)"
	}
	return label
}
