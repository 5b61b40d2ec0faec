package ports

import (
	"context"

	"consultnet/internal/core/domain"
)

// SessionRegistry is the only owner of room membership and lifecycle.
type SessionRegistry interface {
	CreateRoom(ctx context.Context, roomID domain.RoomID, initiator domain.Participant, details domain.RoomDetails) (domain.Room, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, responder domain.Participant) (domain.Room, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, reason domain.EndReason) error
	EndRoom(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, reason domain.EndReason) error
	CloseRoom(ctx context.Context, roomID domain.RoomID, reason domain.EndReason) error
	GetRoom(ctx context.Context, roomID domain.RoomID) (domain.Room, bool)
	ListRooms(ctx context.Context) []domain.Room
	Stats() domain.RegistryStats
	// Deliver runs fn with the sender's peer while the room is locked.
	Deliver(ctx context.Context, env domain.Envelope, fn func(to domain.Participant) error) error
	Subscribe(listener RoomEventListener)
}

// RoomEventListener receives registry events synchronously while the room
// is locked. Implementations must not block or call back into the registry.
type RoomEventListener interface {
	HandleRoomEvent(evt domain.RoomEvent)
}

type RoomEventListenerFunc func(evt domain.RoomEvent)

func (f RoomEventListenerFunc) HandleRoomEvent(evt domain.RoomEvent) { f(evt) }

// Outbox is the delivery handle of one participant connection.
type Outbox interface {
	// Enqueue queues an envelope without blocking. It returns false when the
	// envelope could not be queued.
	Enqueue(env domain.Envelope) bool
	Close()
}

type Relay interface {
	Attach(id domain.ParticipantID, outbox Outbox)
	Detach(id domain.ParticipantID)
	Send(ctx context.Context, env domain.Envelope) error
	Connections() int
}

// RelayMetrics observes relay throughput.
type RelayMetrics interface {
	EnvelopeRelayed(kind domain.EnvelopeKind)
	EnvelopeDropped(kind domain.EnvelopeKind, reason string)
}
