package main

import (
	"fmt"
	"io"
	"time"

	"consultnet/internal/core/domain"
)

func render(out io.Writer, updates <-chan domain.CallSnapshot) {
	var prev domain.CallSnapshot
	for snap := range updates {
		for _, line := range describe(prev, snap) {
			fmt.Fprintln(out, line)
		}
		prev = snap
	}
}

// describe lists what changed between two snapshots, in display form.
func describe(prev, next domain.CallSnapshot) []string {
	var lines []string

	if next.State != prev.State {
		if line := stateLine(next); line != "" {
			lines = append(lines, line)
		}
	}

	seen := len(prev.Transcript)
	if seen > len(next.Transcript) {
		seen = 0
	}
	for _, msg := range next.Transcript[seen:] {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04"), msg.SenderName, msg.Text))
	}

	if next.Quality.Quality != prev.Quality.Quality && next.Quality.Quality != domain.QualityUnknown {
		s := next.Quality.Sample
		lines = append(lines, fmt.Sprintf("Connection quality: %s (loss %.1f%%, rtt %s, jitter %s)",
			next.Quality.Quality, s.PacketLoss*100, s.RoundTripTime.Round(time.Millisecond), s.Jitter.Round(time.Millisecond)))
	}

	return lines
}

func stateLine(s domain.CallSnapshot) string {
	switch s.State {
	case domain.CallCreating:
		return fmt.Sprintf("Opening room %s...", s.RoomID)
	case domain.CallJoining:
		return fmt.Sprintf("Joining room %s...", s.RoomID)
	case domain.CallWaiting:
		if s.Label != "" {
			return fmt.Sprintf("%s: waiting for the other participant...", s.Label)
		}
		return "Waiting for the other participant..."
	case domain.CallNegotiating:
		return "Connecting..."
	case domain.CallConnected:
		return "Connected. Type a message, or /end to leave."
	case domain.CallEnded:
		return fmt.Sprintf("Call ended: %s.", s.EndReason)
	case domain.CallError:
		return s.Cause
	}
	return ""
}
