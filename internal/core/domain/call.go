package domain

import "time"

type CallState string

const (
	CallIdle        CallState = "idle"
	CallCreating    CallState = "creating"
	CallJoining     CallState = "joining"
	CallWaiting     CallState = "waiting"
	CallNegotiating CallState = "negotiating"
	CallConnected   CallState = "connected"
	CallEnded       CallState = "ended"
	CallError       CallState = "error"
)

// Terminal reports whether the leg is ended or failed
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallError
}

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

// NetworkSample is one transport-level measurement. PacketLoss is a fraction
// in [0, 1].
type NetworkSample struct {
	PacketLoss    float64       `json:"packet_loss"`
	RoundTripTime time.Duration `json:"round_trip_time"`
	Jitter        time.Duration `json:"jitter"`
	SampledAt     time.Time     `json:"sampled_at"`
}

type QualityReport struct {
	Quality Quality       `json:"quality"`
	Sample  NetworkSample `json:"sample"`
}

// QualityLimits are the upper bounds a sample must stay within to be
// classified at a given level.
type QualityLimits struct {
	MaxPacketLoss float64       `yaml:"max_packet_loss"`
	MaxRTT        time.Duration `yaml:"max_rtt"`
	MaxJitter     time.Duration `yaml:"max_jitter"`
}

type QualityThresholds struct {
	Good QualityLimits `yaml:"good"`
	Fair QualityLimits `yaml:"fair"`
}

// CallSnapshot is what a UI observes of one call leg.
type CallSnapshot struct {
	RoomID      RoomID        `json:"room_id,omitempty"`
	Role        Role          `json:"role,omitempty"`
	State       CallState     `json:"state"`
	Label       string        `json:"label,omitempty"`
	Transcript  []ChatMessage `json:"transcript"`
	Quality     QualityReport `json:"quality"`
	Cause       string        `json:"cause,omitempty"`
	EndReason   string        `json:"end_reason,omitempty"`
	AudioMuted  bool          `json:"audio_muted"`
	VideoOff    bool          `json:"video_off"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
}

// Elapsed returns how long the call has been connected as of now.
func (s CallSnapshot) Elapsed(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.ConnectedAt)
	}
	return now.Sub(s.ConnectedAt)
}

func (s CallSnapshot) Clone() CallSnapshot {
	c := s
	c.Transcript = append([]ChatMessage(nil), s.Transcript...)
	return c
}
