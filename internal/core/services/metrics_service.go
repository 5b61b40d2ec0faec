package services

import (
	"sync"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
)

// RelayStats keeps in-process relay counters for the stats endpoint.
type RelayStats struct {
	mu      sync.RWMutex
	relayed map[domain.EnvelopeKind]uint64
	dropped map[string]uint64
}

type RelayStatsSnapshot struct {
	Relayed map[domain.EnvelopeKind]uint64 `json:"relayed"`
	Dropped map[string]uint64              `json:"dropped"`
}

// NewRelayStats creates empty counters
func NewRelayStats() *RelayStats {
	return &RelayStats{
		relayed: make(map[domain.EnvelopeKind]uint64),
		dropped: make(map[string]uint64),
	}
}

func (s *RelayStats) EnvelopeRelayed(kind domain.EnvelopeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayed[kind]++
}

func (s *RelayStats) EnvelopeDropped(kind domain.EnvelopeKind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[reason]++
}

// Snapshot returns a copy of the counters
func (s *RelayStats) Snapshot() RelayStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := RelayStatsSnapshot{
		Relayed: make(map[domain.EnvelopeKind]uint64, len(s.relayed)),
		Dropped: make(map[string]uint64, len(s.dropped)),
	}
	for k, v := range s.relayed {
		snap.Relayed[k] = v
	}
	for k, v := range s.dropped {
		snap.Dropped[k] = v
	}
	return snap
}

// MultiRelayMetrics fans relay observations out to several sinks.
type MultiRelayMetrics []ports.RelayMetrics

func (m MultiRelayMetrics) EnvelopeRelayed(kind domain.EnvelopeKind) {
	for _, sink := range m {
		sink.EnvelopeRelayed(kind)
	}
}

func (m MultiRelayMetrics) EnvelopeDropped(kind domain.EnvelopeKind, reason string) {
	for _, sink := range m {
		sink.EnvelopeDropped(kind, reason)
	}
}
