package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/infrastructure/repositories/memory"
	"consultnet/pkg/circuitbreaker"
	"consultnet/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastRetry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

type countingMetrics struct {
	mu                     sync.Mutex
	saved, failed, dropped int
}

func (m *countingMetrics) HistorySaved()   { m.mu.Lock(); m.saved++; m.mu.Unlock() }
func (m *countingMetrics) HistoryFailed()  { m.mu.Lock(); m.failed++; m.mu.Unlock() }
func (m *countingMetrics) HistoryDropped() { m.mu.Lock(); m.dropped++; m.mu.Unlock() }

func (m *countingMetrics) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.failed, m.dropped
}

type failingRepo struct {
	mu    sync.Mutex
	calls int
}

func (r *failingRepo) Save(ctx context.Context, rec *domain.SessionRecord) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return errors.New("redis down")
}

func (r *failingRepo) ListByRoom(ctx context.Context, id domain.RoomID, limit int) ([]*domain.SessionRecord, error) {
	return nil, nil
}

func (r *failingRepo) ListRecent(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	return nil, nil
}

func (r *failingRepo) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func endedEvent(room string) domain.RoomEvent {
	now := time.Now()
	return domain.RoomEvent{
		Type: domain.EventRoomEnded,
		Room: domain.Room{
			ID:         domain.RoomID(room),
			Generation: 1,
			CreatedAt:  now.Add(-time.Minute),
			AnsweredAt: now.Add(-30 * time.Second),
			EndedAt:    now,
			EndReason:  domain.EndReasonCallEnded,
			Participants: []domain.Participant{
				{ID: "a", Role: domain.RoleInitiator, DisplayName: "Dr. Reyes"},
				{ID: "b", Role: domain.RoleResponder, DisplayName: "Sam"},
			},
		},
		Reason: domain.EndReasonCallEnded,
		At:     now,
	}
}

func TestHistoryRecorder_SavesEndedRooms(t *testing.T) {
	repo := memory.NewMemoryHistoryRepository(10)
	metrics := &countingMetrics{}
	rec := NewHistoryRecorder(repo, 8, fastRetry, circuitbreaker.DefaultConfig(), metrics, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, time.Second)
		close(done)
	}()

	rec.HandleRoomEvent(domain.RoomEvent{Type: domain.EventRoomCreated, Room: domain.Room{ID: "apt-1"}})
	rec.HandleRoomEvent(endedEvent("apt-1"))

	require.Eventually(t, func() bool {
		saved, _, _ := metrics.counts()
		return saved == 1
	}, 2*time.Second, 5*time.Millisecond)

	list, err := repo.ListByRoom(context.Background(), "apt-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Dr. Reyes", list[0].InitiatorName)
	assert.Equal(t, "Sam", list[0].ResponderName)
	assert.Equal(t, 30*time.Second, list[0].Duration)

	cancel()
	<-done
}

func TestHistoryRecorder_DropsWhenQueueFull(t *testing.T) {
	metrics := &countingMetrics{}
	rec := NewHistoryRecorder(memory.NewMemoryHistoryRepository(10), 1, fastRetry, circuitbreaker.DefaultConfig(), metrics, zap.NewNop().Sugar())

	rec.HandleRoomEvent(endedEvent("apt-1"))
	rec.HandleRoomEvent(endedEvent("apt-2"))

	assert.Equal(t, int64(1), rec.Dropped())
	_, _, dropped := metrics.counts()
	assert.Equal(t, 1, dropped)
}

func TestHistoryRecorder_DrainsOnShutdown(t *testing.T) {
	repo := memory.NewMemoryHistoryRepository(10)
	rec := NewHistoryRecorder(repo, 8, fastRetry, circuitbreaker.DefaultConfig(), nil, zap.NewNop().Sugar())

	rec.HandleRoomEvent(endedEvent("apt-1"))
	rec.HandleRoomEvent(endedEvent("apt-2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx, time.Second)

	recent, err := repo.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestHistoryRecorder_BreakerOpensOnFailures(t *testing.T) {
	repo := &failingRepo{}
	metrics := &countingMetrics{}
	cb := circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxRequestsHalfOpen: 1}
	rec := NewHistoryRecorder(repo, 8, fastRetry, cb, metrics, zap.NewNop().Sugar())

	rec.HandleRoomEvent(endedEvent("apt-1"))
	rec.HandleRoomEvent(endedEvent("apt-2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx, time.Second)

	_, failed, _ := metrics.counts()
	assert.Equal(t, 2, failed)
	// The first record used both attempts; the breaker rejected the second.
	assert.Equal(t, 2, repo.Calls())
	assert.Equal(t, circuitbreaker.StateOpen, rec.BreakerState())
}
