package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"consultnet/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSignaling struct {
	mock.Mock
}

func (m *MockSignaling) Send(ctx context.Context, msg protocol.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockSignaling) Inbound() <-chan protocol.Message { return nil }
func (m *MockSignaling) Done() <-chan struct{}            { return nil }
func (m *MockSignaling) Close() error                     { return nil }

func TestChatService_Send(t *testing.T) {
	sig := new(MockSignaling)
	svc := NewChatService(sig)
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))
	svc.now = func() time.Time { return fixed }

	var sent *protocol.Chat
	sig.On("Send", mock.Anything, mock.AnythingOfType("*protocol.Chat")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*protocol.Chat) }).
		Return(nil)

	msg, err := svc.Send(context.Background(), "apt-1", "Dr. Reyes", "  How are you feeling?  ")
	require.NoError(t, err)
	assert.Equal(t, "How are you feeling?", msg.Text)
	assert.Equal(t, fixed.UTC(), msg.Timestamp)

	require.NotNil(t, sent)
	assert.Equal(t, "apt-1", string(sent.RoomID))
	decoded, err := DecodeChat(sent.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(sent.Payload, &raw))
	assert.Contains(t, raw, "senderName")
	sig.AssertExpectations(t)
}

func TestChatService_RejectsEmptyAndOversized(t *testing.T) {
	sig := new(MockSignaling)
	svc := NewChatService(sig)

	_, err := svc.Send(context.Background(), "apt-1", "Sam", "   ")
	assert.Error(t, err)
	_, err = svc.Send(context.Background(), "apt-1", "Sam", strings.Repeat("x", 5000))
	assert.Error(t, err)

	sig.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestChatService_SendFailure(t *testing.T) {
	sig := new(MockSignaling)
	svc := NewChatService(sig)
	sig.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection closed"))

	_, err := svc.Send(context.Background(), "apt-1", "Sam", "hello")
	assert.ErrorContains(t, err, "connection closed")
}

func TestDecodeChat_Invalid(t *testing.T) {
	_, err := DecodeChat(json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}
