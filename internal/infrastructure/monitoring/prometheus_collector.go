package monitoring

import (
	"consultnet/internal/core/domain"
	"consultnet/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector observes the registry, the relay, the signaling
// transport and the history recorder.
type PrometheusCollector struct {
	roomsLive         prometheus.Gauge
	roomsCreatedTotal prometheus.Counter
	roomsEndedTotal   *prometheus.CounterVec
	joinsTotal        prometheus.Counter
	callDuration      prometheus.Histogram

	envelopesRelayed *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesRejected  *prometheus.CounterVec

	remoteEvents   *prometheus.CounterVec
	historyRecords *prometheus.CounterVec
}

// NewPrometheusCollector registers the consultnet metrics on reg
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consultnet_rooms_live",
			Help: "Rooms currently waiting, negotiating or active",
		}),

		roomsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consultnet_rooms_created_total",
			Help: "Total number of room lifecycles started",
		}),

		roomsEndedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_rooms_ended_total",
			Help: "Total number of rooms ended, by reason",
		}, []string{"reason"}),

		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consultnet_participants_joined_total",
			Help: "Total number of responders that joined a room",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consultnet_call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: []float64{30, 60, 300, 600, 900, 1800, 3600},
		}),

		envelopesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_envelopes_relayed_total",
			Help: "Envelopes delivered by the relay, by kind",
		}, []string{"kind"}),

		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_envelopes_dropped_total",
			Help: "Envelopes the relay did not deliver, by kind and reason",
		}, []string{"kind", "reason"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consultnet_signal_connections_active",
			Help: "Open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consultnet_signal_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_signal_messages_rejected_total",
			Help: "Signaling messages answered with an error frame, by code",
		}, []string{"code"}),

		remoteEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_remote_room_events_total",
			Help: "Room events received from other instances, by type",
		}, []string{"type"}),

		historyRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consultnet_history_records_total",
			Help: "Session records handled by the history recorder, by result",
		}, []string{"result"}),
	}
}

// HandleRoomEvent tracks room lifecycle gauges and call durations
func (p *PrometheusCollector) HandleRoomEvent(evt domain.RoomEvent) {
	switch evt.Type {
	case domain.EventRoomCreated:
		p.roomsCreatedTotal.Inc()
		p.roomsLive.Inc()
	case domain.EventParticipantJoined:
		p.joinsTotal.Inc()
	case domain.EventRoomEnded:
		p.roomsLive.Dec()
		p.roomsEndedTotal.WithLabelValues(string(evt.Reason)).Inc()
		if d := evt.Room.Duration(); d > 0 {
			p.callDuration.Observe(d.Seconds())
		}
	}
}

func (p *PrometheusCollector) EnvelopeRelayed(kind domain.EnvelopeKind) {
	p.envelopesRelayed.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) EnvelopeDropped(kind domain.EnvelopeKind, reason string) {
	p.envelopesDropped.WithLabelValues(string(kind), reason).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsTotal.Inc()
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) MessageRejected(code protocol.ErrorCode) {
	p.messagesRejected.WithLabelValues(string(code)).Inc()
}

func (p *PrometheusCollector) RemoteEvent(eventType domain.RoomEventType) {
	p.remoteEvents.WithLabelValues(string(eventType)).Inc()
}

func (p *PrometheusCollector) HistorySaved()   { p.historyRecords.WithLabelValues("saved").Inc() }
func (p *PrometheusCollector) HistoryFailed()  { p.historyRecords.WithLabelValues("failed").Inc() }
func (p *PrometheusCollector) HistoryDropped() { p.historyRecords.WithLabelValues("dropped").Inc() }
