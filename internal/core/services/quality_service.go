package services

import (
	"time"

	"consultnet/internal/core/domain"
)

// QualityService classifies transport samples. The thresholds are policy,
// not protocol, and come from configuration.
type QualityService struct {
	thresholds domain.QualityThresholds
}

// DefaultQualityThresholds returns the built-in good and fair limits
func DefaultQualityThresholds() domain.QualityThresholds {
	return domain.QualityThresholds{
		Good: domain.QualityLimits{
			MaxPacketLoss: 0.02,
			MaxRTT:        150 * time.Millisecond,
			MaxJitter:     30 * time.Millisecond,
		},
		Fair: domain.QualityLimits{
			MaxPacketLoss: 0.08,
			MaxRTT:        400 * time.Millisecond,
			MaxJitter:     100 * time.Millisecond,
		},
	}
}

// NewQualityService creates a classifier for the given thresholds
func NewQualityService(thresholds domain.QualityThresholds) *QualityService {
	return &QualityService{thresholds: thresholds}
}

func (qs *QualityService) Thresholds() domain.QualityThresholds {
	return qs.thresholds
}

// Classify grades a sample. Anything outside the fair limits is poor.
func (qs *QualityService) Classify(sample domain.NetworkSample) domain.Quality {
	switch {
	case within(sample, qs.thresholds.Good):
		return domain.QualityGood
	case within(sample, qs.thresholds.Fair):
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// Report classifies a sample and stamps it
func (qs *QualityService) Report(sample domain.NetworkSample) domain.QualityReport {
	return domain.QualityReport{Quality: qs.Classify(sample), Sample: sample}
}

// within treats a zero limit as unbounded.
func within(s domain.NetworkSample, l domain.QualityLimits) bool {
	if l.MaxPacketLoss > 0 && s.PacketLoss > l.MaxPacketLoss {
		return false
	}
	if l.MaxRTT > 0 && s.RoundTripTime > l.MaxRTT {
		return false
	}
	if l.MaxJitter > 0 && s.Jitter > l.MaxJitter {
		return false
	}
	return true
}
