package main

import (
	"bytes"
	"testing"
	"time"

	"consultnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	waiting := domain.CallSnapshot{RoomID: "apt-42", State: domain.CallWaiting, Label: "Video consultation"}
	assert.Equal(t, []string{"Video consultation: waiting for the other participant..."}, describe(domain.CallSnapshot{}, waiting))

	chatting := waiting
	chatting.State = domain.CallConnected
	chatting.Transcript = []domain.ChatMessage{{SenderName: "Sam", Text: "Hello", Timestamp: time.Now()}}
	lines := describe(waiting, chatting)
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Sam: Hello")

	poor := chatting
	poor.Quality = domain.QualityReport{Quality: domain.QualityPoor, Sample: domain.NetworkSample{PacketLoss: 0.12, RoundTripTime: 450 * time.Millisecond}}
	assert.Equal(t, []string{"Connection quality: poor (loss 12.0%, rtt 450ms, jitter 0s)"}, describe(chatting, poor))

	assert.Empty(t, describe(poor, poor))
}

func TestRender_TerminalStates(t *testing.T) {
	updates := make(chan domain.CallSnapshot, 2)
	updates <- domain.CallSnapshot{State: domain.CallJoining, RoomID: "apt-1"}
	updates <- domain.CallSnapshot{State: domain.CallError, Cause: "The consultation room is no longer available."}
	close(updates)

	var out bytes.Buffer
	render(&out, updates)
	assert.Equal(t, "Joining room apt-1...\nThe consultation room is no longer available.\n", out.String())
}
