package reliability

import (
	"context"
	"sync/atomic"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/pkg/circuitbreaker"
	"consultnet/pkg/retry"

	"go.uber.org/zap"
)

// RecorderMetrics observes history writes. It may be nil.
type RecorderMetrics interface {
	HistorySaved()
	HistoryFailed()
	HistoryDropped()
}

// HistoryRecorder persists a session record for every ended room. It
// listens on the registry, so enqueueing never blocks; writes happen on a
// separate goroutine behind retry and a circuit breaker.
type HistoryRecorder struct {
	repo    ports.SessionHistoryRepository
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	queue   chan *domain.SessionRecord
	metrics RecorderMetrics
	logger  *zap.SugaredLogger

	dropped atomic.Int64
}

// NewHistoryRecorder creates a recorder with a bounded queue
func NewHistoryRecorder(
	repo ports.SessionHistoryRepository,
	queueSize int,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	metrics RecorderMetrics,
	logger *zap.SugaredLogger,
) *HistoryRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}

	r := &HistoryRecorder{
		repo:    repo,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		queue:   make(chan *domain.SessionRecord, queueSize),
		metrics: metrics,
		logger:  logger,
	}

	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("history circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return r
}

// HandleRoomEvent queues a record for every ended room. It never blocks.
func (r *HistoryRecorder) HandleRoomEvent(evt domain.RoomEvent) {
	if evt.Type != domain.EventRoomEnded {
		return
	}

	select {
	case r.queue <- domain.NewSessionRecord(evt.Room):
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.HistoryDropped()
		}
		r.logger.Warnw("history queue full, dropping session record",
			"room_id", evt.Room.ID,
			"generation", evt.Room.Generation,
		)
	}
}

func (r *HistoryRecorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *HistoryRecorder) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already queued within drainTimeout.
func (r *HistoryRecorder) Run(ctx context.Context, drainTimeout time.Duration) {
	for {
		if ctx.Err() != nil {
			r.drain(drainTimeout)
			return
		}

		select {
		case rec := <-r.queue:
			r.save(ctx, rec)
		case <-ctx.Done():
			r.drain(drainTimeout)
			return
		}
	}
}

func (r *HistoryRecorder) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case rec := <-r.queue:
			r.save(ctx, rec)
		default:
			return
		}
		if ctx.Err() != nil {
			r.logger.Warnw("history drain timed out", "remaining", len(r.queue))
			return
		}
	}
}

func (r *HistoryRecorder) save(ctx context.Context, rec *domain.SessionRecord) {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, r.retry, func(ctx context.Context) error {
			return r.repo.Save(ctx, rec)
		})
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.HistoryFailed()
		}
		r.logger.Errorw("failed to save session record",
			"room_id", rec.RoomID,
			"generation", rec.Generation,
			"error", err,
		)
		return
	}

	if r.metrics != nil {
		r.metrics.HistorySaved()
	}
	r.logger.Debugw("session record saved",
		"room_id", rec.RoomID,
		"generation", rec.Generation,
		"end_reason", rec.EndReason,
		"duration", rec.Duration,
	)
}
