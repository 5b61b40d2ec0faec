package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_RoomLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	now := time.Now()
	p.HandleRoomEvent(domain.RoomEvent{Type: domain.EventRoomCreated})
	p.HandleRoomEvent(domain.RoomEvent{Type: domain.EventRoomCreated})
	p.HandleRoomEvent(domain.RoomEvent{Type: domain.EventParticipantJoined})
	p.HandleRoomEvent(domain.RoomEvent{
		Type:   domain.EventRoomEnded,
		Reason: domain.EndReasonCallEnded,
		Room:   domain.Room{AnsweredAt: now.Add(-90 * time.Second), EndedAt: now},
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(p.roomsCreatedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.roomsLive))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.joinsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.roomsEndedTotal.WithLabelValues("call_ended")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.callDuration))
}

func TestPrometheusCollector_RelayAndTransport(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.EnvelopeRelayed(domain.KindOffer)
	p.EnvelopeRelayed(domain.KindOffer)
	p.EnvelopeDropped(domain.KindChat, "no_peer")
	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()
	p.MessageRejected(protocol.CodeRoomFull)
	p.RemoteEvent(domain.EventRoomEnded)
	p.HistorySaved()
	p.HistoryDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(p.envelopesRelayed.WithLabelValues("offer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.envelopesDropped.WithLabelValues("chat", "no_peer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.connectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.connectionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.messagesRejected.WithLabelValues("room_full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.remoteEvents.WithLabelValues("room-ended")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.historyRecords.WithLabelValues("saved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.historyRecords.WithLabelValues("dropped")))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddRegistryCheck(func() domain.RegistryStats { return domain.RegistryStats{} }, time.Second)

	ctx := context.Background()
	status := h.CheckAll(ctx)
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["registry"])
	assert.True(t, h.IsReady(ctx))

	h.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") }, time.Second)
	status = h.CheckAll(ctx)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(ctx))
}

func TestHealthChecker_RegistryStuck(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	h := NewHealthChecker()
	h.AddRegistryCheck(func() domain.RegistryStats {
		<-block
		return domain.RegistryStats{}
	}, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["registry"], "deadline exceeded")
}
