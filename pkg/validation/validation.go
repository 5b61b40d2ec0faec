package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomIDLength      = 128
	MaxDisplayNameLength = 64
	MaxChatTextLength    = 2000
)

// RoomIDRegex accepts appointment-style identifiers such as "apt-42" or
// "clinic:2024-05-01:17".
var RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room id is too long (max %d characters)", MaxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room id format")
	}
	return nil
}

// ValidateDisplayName validates a participant display name
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	if strings.ContainsAny(name, "\n\r") {
		return fmt.Errorf("display name must be a single line")
	}
	return nil
}

// ValidateChatText validates a chat message body
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("chat message is empty")
	}
	if utf8.RuneCountInString(text) > MaxChatTextLength {
		return fmt.Errorf("chat message is too long (max %d characters)", MaxChatTextLength)
	}
	return nil
}

// ValidateSignalURL checks a signaling endpoint address.
func ValidateSignalURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("signaling URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signaling URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling URL must use ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("signaling URL must have a host")
	}
	return nil
}
