package services

import (
	"context"
	"math/rand/v2"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultSampleInterval = 10 * time.Second

// HealthMonitor periodically samples call quality. Reports are advisory.
type HealthMonitor struct {
	sampler    ports.QualitySampler
	classifier *QualityService
	interval   time.Duration
	logger     *zap.SugaredLogger
}

// NewHealthMonitor samples every interval once Run is called
func NewHealthMonitor(sampler ports.QualitySampler, classifier *QualityService, interval time.Duration, logger *zap.SugaredLogger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &HealthMonitor{
		sampler:    sampler,
		classifier: classifier,
		interval:   interval,
		logger:     logger,
	}
}

// Run samples until ctx is cancelled, then closes the returned channel.
// A report the consumer has not picked up is replaced by the newer one.
func (m *HealthMonitor) Run(ctx context.Context) <-chan domain.QualityReport {
	out := make(chan domain.QualityReport, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			sample, err := m.sampler.Sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Debugw("quality sample failed", "error", err)
				continue
			}
			if sample.SampledAt.IsZero() {
				sample.SampledAt = time.Now()
			}

			report := m.classifier.Report(sample)
			select {
			case out <- report:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- report:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// SimulatedSampler produces plausible random measurements for environments
// without a real media transport.
type SimulatedSampler struct{}

func (SimulatedSampler) Sample(ctx context.Context) (domain.NetworkSample, error) {
	return domain.NetworkSample{
		PacketLoss:    rand.Float64() * 0.1,
		RoundTripTime: time.Duration(20+rand.IntN(480)) * time.Millisecond,
		Jitter:        time.Duration(rand.IntN(120)) * time.Millisecond,
		SampledAt:     time.Now(),
	}, nil
}
