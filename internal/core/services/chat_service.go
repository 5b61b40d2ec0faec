package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/internal/protocol"
	"consultnet/pkg/utils"
	"consultnet/pkg/validation"
)

// ChatService packages chat text into chat envelopes on the room channel.
type ChatService struct {
	signaling ports.Signaling
	now       func() time.Time
}

// NewChatService sends chat over signaling
func NewChatService(signaling ports.Signaling) *ChatService {
	return &ChatService{signaling: signaling, now: time.Now}
}

// Compose validates text and builds the message that will be sent.
func (s *ChatService) Compose(senderName, text string) (domain.ChatMessage, error) {
	text = utils.SanitizeString(text)
	if err := validation.ValidateChatText(text); err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{
		SenderName: senderName,
		Text:       text,
		Timestamp:  s.now().UTC(),
	}, nil
}

// Send composes and routes one chat message. The returned message is what
// the sender appends to its own transcript.
func (s *ChatService) Send(ctx context.Context, roomID domain.RoomID, senderName, text string) (domain.ChatMessage, error) {
	msg, err := s.Compose(senderName, text)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to marshal chat message: %w", err)
	}

	if err := s.signaling.Send(ctx, &protocol.Chat{RoomID: roomID, Payload: payload}); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to send chat message: %w", err)
	}
	return msg, nil
}

// DecodeChat parses a received chat payload.
func DecodeChat(payload json.RawMessage) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("invalid chat payload: %w", err)
	}
	return msg, nil
}
