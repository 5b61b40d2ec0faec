package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "consultnet:"
	historyPrefix = keyPrefix + "history:"
	recentKey     = historyPrefix + "recent"
)

// RedisHistoryRepository keeps session records as capped JSON lists, one
// per room plus a global recent list. Newest records come first.
type RedisHistoryRepository struct {
	client *redis.Client
	limit  int64
}

// NewRedisHistoryRepository keeps at most limit records per list
func NewRedisHistoryRepository(client *redis.Client, limit int64) ports.SessionHistoryRepository {
	if limit <= 0 {
		limit = 100
	}
	return &RedisHistoryRepository{client: client, limit: limit}
}

func (r *RedisHistoryRepository) roomKey(id domain.RoomID) string {
	return historyPrefix + "room:" + string(id)
}

// Save stores a record and pushes it on the room and recent lists
func (r *RedisHistoryRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	key := r.roomKey(record.RoomID)
	ctx, span := tracing.TraceRedisOperation(ctx, "history.save", key)
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, r.limit-1)
		pipe.LPush(ctx, recentKey, data)
		pipe.LTrim(ctx, recentKey, 0, r.limit-1)
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save session record in Redis: %w", err)
	}
	return nil
}

func (r *RedisHistoryRepository) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.SessionRecord, error) {
	return r.list(ctx, r.roomKey(roomID), limit)
}

func (r *RedisHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	return r.list(ctx, recentKey, limit)
}

func (r *RedisHistoryRepository) list(ctx context.Context, key string, limit int) ([]*domain.SessionRecord, error) {
	ctx, span := tracing.TraceRedisOperation(ctx, "history.list", key)
	defer span.End()

	stop := r.limit - 1
	if limit > 0 && int64(limit) < r.limit {
		stop = int64(limit) - 1
	}

	items, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read session history from Redis: %w", err)
	}

	records := make([]*domain.SessionRecord, 0, len(items))
	for _, item := range items {
		var rec domain.SessionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}
