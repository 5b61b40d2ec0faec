package webrtc

import (
	"sync"
	"time"

	"consultnet/internal/core/domain"

	"github.com/pion/rtcp"
)

// Seconds between the NTP epoch (1900) and the Unix epoch.
const ntpEpochOffset = 2208988800

// jitter in receiver reports is expressed in RTP clock units.
const audioClockRate = 48000

// reportStats keeps the most recent receiver report view of our outbound
// streams.
type reportStats struct {
	mu       sync.Mutex
	seen     bool
	loss     float64
	jitter   time.Duration
	rtt      time.Duration
	lastSeen time.Time
}

func newReportStats() *reportStats {
	return &reportStats{}
}

func (r *reportStats) observe(packets []rtcp.Packet, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			r.seen = true
			r.lastSeen = now
			r.loss = float64(report.FractionLost) / 256
			r.jitter = time.Duration(report.Jitter) * time.Second / audioClockRate
			if rtt, ok := roundTrip(report, now); ok {
				r.rtt = rtt
			}
		}
	}
}

func (r *reportStats) sample() (domain.NetworkSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen {
		return domain.NetworkSample{}, false
	}
	return domain.NetworkSample{
		PacketLoss:    r.loss,
		RoundTripTime: r.rtt,
		Jitter:        r.jitter,
		SampledAt:     r.lastSeen,
	}, true
}

// roundTrip derives RTT from the LSR/DLSR fields of a reception report.
// Both are in units of 1/65536 seconds.
func roundTrip(report rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	if report.LastSenderReport == 0 {
		return 0, false
	}
	arrival := compactNTP(now)
	delta := arrival - report.LastSenderReport - report.Delay
	// The report is from the future, or wrapped; ignore it.
	if delta > arrival-report.LastSenderReport {
		return 0, false
	}
	return time.Duration(delta) * time.Second / 65536, true
}

// compactNTP returns the middle 32 bits of the 64-bit NTP timestamp of t.
func compactNTP(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32(secs<<16 | frac>>16)
}
