package webrtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"consultnet/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquirer_DeviceErrors(t *testing.T) {
	tests := []struct {
		name       string
		devices    Devices
		wantsVideo bool
		wantErr    error
	}{
		{"permission denied", Devices{Microphone: true, Camera: true, PermissionDenied: true}, true, domain.ErrPermissionDenied},
		{"no microphone", Devices{Camera: true}, false, domain.ErrDeviceUnavailable},
		{"no camera for video", Devices{Microphone: true}, true, domain.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAcquirer(SessionConfig{}, tt.devices, zap.NewNop().Sugar())
			session, err := a.Acquire(context.Background(), tt.wantsVideo)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, session)
		})
	}
}

func TestAcquirer_AudioOnlyWithoutCamera(t *testing.T) {
	a := NewAcquirer(SessionConfig{}, Devices{Microphone: true}, zap.NewNop().Sugar())

	session, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	defer session.Close()

	// No video sender, so toggling is a no-op.
	session.SetVideoEnabled(false)
	session.SetAudioEnabled(false)
}

func TestPeerSession_OfferAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := zap.NewNop().Sugar()
	caller, err := NewPeerSession(SessionConfig{}, true, logger)
	require.NoError(t, err)
	defer caller.Close()

	callee, err := NewPeerSession(SessionConfig{}, true, logger)
	require.NoError(t, err)
	defer callee.Close()

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(offer, &desc))
	assert.Equal(t, "offer", desc.Type)
	assert.Contains(t, desc.SDP, "m=audio")
	assert.Contains(t, desc.SDP, "m=video")

	answer, err := callee.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(answer, &desc))
	assert.Equal(t, "answer", desc.Type)

	require.NoError(t, caller.ApplyAnswer(ctx, answer))

	// Applying the offer where an answer is expected is rejected.
	assert.Error(t, callee.ApplyAnswer(ctx, offer))

	caller.SetVideoEnabled(false)
	caller.SetVideoEnabled(true)
}

func TestPeerSession_HoldsEarlyCandidates(t *testing.T) {
	s, err := NewPeerSession(SessionConfig{}, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()

	candidate := []byte(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, s.AddRemoteCandidate(candidate))
	assert.Len(t, s.pending, 1)

	assert.Error(t, s.AddRemoteCandidate([]byte(`not json`)))
}

func TestPeerSession_Close(t *testing.T) {
	s, err := NewPeerSession(SessionConfig{}, false, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, ErrNoStats)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.AddRemoteCandidate([]byte(`{"candidate":""}`)), ErrSessionClosed)

	_, open := <-s.States()
	assert.False(t, open)
	_, open = <-s.Candidates()
	assert.False(t, open)
}

func TestReportStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stats := newReportStats()

	_, ok := stats.sample()
	assert.False(t, ok)

	delay := 50 * time.Millisecond
	stats.observe([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 7},
		&rtcp.ReceiverReport{
			SSRC: 9,
			Reports: []rtcp.ReceptionReport{{
				SSRC:             7,
				FractionLost:     64,
				Jitter:           480,
				LastSenderReport: compactNTP(now.Add(-150 * time.Millisecond)),
				Delay:            uint32(delay * 65536 / time.Second),
			}},
		},
	}, now)

	sample, ok := stats.sample()
	require.True(t, ok)
	assert.InDelta(t, 0.25, sample.PacketLoss, 1e-9)
	assert.Equal(t, 10*time.Millisecond, sample.Jitter)
	assert.InDelta(t, float64(100*time.Millisecond), float64(sample.RoundTripTime), float64(time.Millisecond))
	assert.Equal(t, now, sample.SampledAt)
}

func TestRoundTrip(t *testing.T) {
	now := time.Now()

	_, ok := roundTrip(rtcp.ReceptionReport{}, now)
	assert.False(t, ok, "no sender report seen yet")

	_, ok = roundTrip(rtcp.ReceptionReport{
		LastSenderReport: compactNTP(now.Add(-10 * time.Millisecond)),
		Delay:            uint32(time.Second * 65536 / time.Second),
	}, now)
	assert.False(t, ok, "delay longer than elapsed time")
}
