package memory

import (
	"context"
	"sync"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
)

type MemoryHistoryRepository struct {
	mu     sync.RWMutex
	byRoom map[domain.RoomID][]*domain.SessionRecord
	recent []*domain.SessionRecord
	limit  int
}

// NewMemoryHistoryRepository creates an in-memory history store
func NewMemoryHistoryRepository(limit int) ports.SessionHistoryRepository {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryHistoryRepository{
		byRoom: make(map[domain.RoomID][]*domain.SessionRecord),
		limit:  limit,
	}
}

func (r *MemoryHistoryRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	rec := *record

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byRoom[rec.RoomID] = prepend(r.byRoom[rec.RoomID], &rec, r.limit)
	r.recent = prepend(r.recent, &rec, r.limit)
	return nil
}

func (r *MemoryHistoryRepository) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return head(r.byRoom[roomID], limit), nil
}

func (r *MemoryHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return head(r.recent, limit), nil
}

// prepend keeps newest first and drops the oldest beyond limit.
func prepend(list []*domain.SessionRecord, rec *domain.SessionRecord, limit int) []*domain.SessionRecord {
	out := make([]*domain.SessionRecord, 0, min(len(list)+1, limit))
	out = append(out, rec)
	for _, r := range list {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}

func head(list []*domain.SessionRecord, limit int) []*domain.SessionRecord {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*domain.SessionRecord, limit)
	for i := range out {
		rec := *list[i]
		out[i] = &rec
	}
	return out
}
