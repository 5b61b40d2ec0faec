package ports

import (
	"context"

	"consultnet/internal/core/domain"
)

type SessionHistoryRepository interface {
	Save(ctx context.Context, record *domain.SessionRecord) error
	ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error)
}

// AppointmentDirectory is a read-only view of the scheduling system.
type AppointmentDirectory interface {
	Lookup(ctx context.Context, appointmentID string) (*domain.Appointment, error)
}
