package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingOutbox struct {
	mu       sync.Mutex
	received []domain.Envelope
	capacity int
	closed   bool
}

func (o *recordingOutbox) Enqueue(env domain.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || (o.capacity > 0 && len(o.received) >= o.capacity) {
		return false
	}
	o.received = append(o.received, env)
	return true
}

func (o *recordingOutbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

func (o *recordingOutbox) kinds() []domain.EnvelopeKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.EnvelopeKind, 0, len(o.received))
	for _, env := range o.received {
		out = append(out, env.Kind)
	}
	return out
}

func (o *recordingOutbox) envelopes() []domain.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Envelope(nil), o.received...)
}

type relayFixture struct {
	registry  *SessionRegistry
	relay     *SignalingRelay
	stats     *RelayStats
	initiator *recordingOutbox
	responder *recordingOutbox
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	registry := NewSessionRegistry(DefaultSessionRegistryConfig(), zap.NewNop().Sugar())
	stats := NewRelayStats()
	f := &relayFixture{
		registry:  registry,
		relay:     NewSignalingRelay(registry, stats, zap.NewNop().Sugar()),
		stats:     stats,
		initiator: &recordingOutbox{},
		responder: &recordingOutbox{},
	}
	f.relay.Attach(clinician.ID, f.initiator)
	f.relay.Attach(patient.ID, f.responder)
	return f
}

func (f *relayFixture) open(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.CreateRoom(ctx, "apt-1", clinician, domain.RoomDetails{})
	require.NoError(t, err)
	_, err = f.registry.JoinRoom(ctx, "apt-1", patient)
	require.NoError(t, err)
}

func env(kind domain.EnvelopeKind, from domain.Participant, payload string) domain.Envelope {
	e := domain.Envelope{RoomID: "apt-1", Kind: kind, SenderID: from.ID}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func TestSignalingRelay_LifecycleNotifications(t *testing.T) {
	f := newRelayFixture(t)
	f.open(t)

	assert.Equal(t, []domain.EnvelopeKind{domain.KindRoomCreated, domain.KindParticipantJoined}, f.initiator.kinds())
	assert.Equal(t, []domain.EnvelopeKind{domain.KindRoomJoined}, f.responder.kinds())

	var joined domain.Participant
	require.NoError(t, json.Unmarshal(f.initiator.envelopes()[1].Payload, &joined))
	assert.Equal(t, patient.ID, joined.ID)
	assert.Equal(t, domain.RoleResponder, joined.Role)
}

func TestSignalingRelay_ForwardsToPeerOnlyInOrder(t *testing.T) {
	f := newRelayFixture(t)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Send(ctx, env(domain.KindOffer, clinician, `{"sdp":"o"}`)))
	for i := 0; i < 20; i++ {
		require.NoError(t, f.relay.Send(ctx, env(domain.KindSignal, clinician, fmt.Sprintf(`{"n":%d}`, i))))
	}
	require.NoError(t, f.relay.Send(ctx, env(domain.KindAnswer, patient, `{"sdp":"a"}`)))

	got := f.responder.envelopes()[1:]
	require.Len(t, got, 21)
	assert.Equal(t, domain.KindOffer, got[0].Kind)
	assert.JSONEq(t, `{"sdp":"o"}`, string(got[0].Payload))
	for i := 0; i < 20; i++ {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got[i+1].Payload))
	}

	// the sender never gets its own envelopes back
	initiatorKinds := f.initiator.kinds()
	assert.Equal(t, domain.KindAnswer, initiatorKinds[len(initiatorKinds)-1])
	assert.NotContains(t, initiatorKinds, domain.KindOffer)
	assert.NotContains(t, f.responder.kinds(), domain.KindAnswer)

	room, _ := f.registry.GetRoom(ctx, "apt-1")
	assert.Equal(t, domain.RoomStateActive, room.State)
}

func TestSignalingRelay_DropsWithoutPeer(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	_, err := f.registry.CreateRoom(ctx, "apt-1", clinician, domain.RoomDetails{})
	require.NoError(t, err)

	require.NoError(t, f.relay.Send(ctx, env(domain.KindOffer, clinician, `{}`)))
	assert.Equal(t, uint64(1), f.stats.Snapshot().Dropped["no_peer"])

	_, err = f.registry.JoinRoom(ctx, "apt-1", patient)
	require.NoError(t, err)
	assert.NotContains(t, f.responder.kinds(), domain.KindOffer)
}

func TestSignalingRelay_ChatWhileNegotiating(t *testing.T) {
	f := newRelayFixture(t)
	f.open(t)

	msg, _ := json.Marshal(domain.ChatMessage{SenderName: "Sam", Text: "Can you hear me?"})
	require.NoError(t, f.relay.Send(context.Background(), env(domain.KindChat, patient, string(msg))))

	got := f.initiator.envelopes()
	last := got[len(got)-1]
	assert.Equal(t, domain.KindChat, last.Kind)
	assert.JSONEq(t, string(msg), string(last.Payload))
}

func TestSignalingRelay_RejectsInvalidRoom(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	err := f.relay.Send(ctx, env(domain.KindOffer, clinician, `{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	err = f.relay.Send(ctx, env(domain.KindLeave, clinician, ""))
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	err = f.relay.Send(ctx, env(domain.KindCreate, clinician, ""))
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	f.open(t)
	err = f.relay.Send(ctx, env(domain.KindChat, intruder, `{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestSignalingRelay_EndNotifiesPeer(t *testing.T) {
	f := newRelayFixture(t)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Send(ctx, env(domain.KindEnd, clinician, "")))

	got := f.responder.envelopes()
	last := got[len(got)-1]
	assert.Equal(t, domain.KindEnd, last.Kind)
	var notice domain.EndNotice
	require.NoError(t, json.Unmarshal(last.Payload, &notice))
	assert.Equal(t, domain.EndReasonCallEnded, notice.Reason)
	assert.NotContains(t, f.initiator.kinds(), domain.KindEnd)

	// late envelopes after the end are rejected, not delivered
	err := f.relay.Send(ctx, env(domain.KindSignal, clinician, `{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestSignalingRelay_LeaveCarriesReason(t *testing.T) {
	f := newRelayFixture(t)
	f.open(t)

	payload, _ := json.Marshal(domain.EndNotice{Reason: domain.EndReasonDisconnected})
	require.NoError(t, f.relay.Send(context.Background(), env(domain.KindLeave, patient, string(payload))))

	got := f.initiator.envelopes()
	var notice domain.EndNotice
	require.NoError(t, json.Unmarshal(got[len(got)-1].Payload, &notice))
	assert.Equal(t, domain.EndReasonDisconnected, notice.Reason)
}

func TestSignalingRelay_FullOutboxDrops(t *testing.T) {
	f := newRelayFixture(t)
	f.responder.capacity = 1
	f.open(t)

	require.NoError(t, f.relay.Send(context.Background(), env(domain.KindOffer, clinician, `{}`)))
	assert.Equal(t, uint64(1), f.stats.Snapshot().Dropped["outbox_full"])
}

func TestSignalingRelay_AttachReplacesAndDetachCloses(t *testing.T) {
	f := newRelayFixture(t)
	assert.Equal(t, 2, f.relay.Connections())

	replacement := &recordingOutbox{}
	f.relay.Attach(clinician.ID, replacement)
	assert.True(t, f.initiator.closed)

	f.relay.Detach(clinician.ID)
	assert.True(t, replacement.closed)
	assert.Equal(t, 1, f.relay.Connections())
}

func TestMultiRelayMetrics(t *testing.T) {
	a, b := NewRelayStats(), NewRelayStats()
	m := MultiRelayMetrics{a, b}

	m.EnvelopeRelayed(domain.KindOffer)
	m.EnvelopeDropped(domain.KindChat, "no_peer")

	for _, s := range []*RelayStats{a, b} {
		snap := s.Snapshot()
		assert.Equal(t, uint64(1), snap.Relayed[domain.KindOffer])
		assert.Equal(t, uint64(1), snap.Dropped["no_peer"])
	}
}

var _ ports.Relay = (*SignalingRelay)(nil)
