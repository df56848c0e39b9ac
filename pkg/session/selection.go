package session

import (
	"fmt"
	"strings"
)

// ChatMode selects which input controller drives the session.
type ChatMode int

const (
	ChatModeUnset ChatMode = iota
	ChatModeVoice
	ChatModeText
)

func (m ChatMode) String() string {
	switch m {
	case ChatModeVoice:
		return "voice"
	case ChatModeText:
		return "text"
	default:
		return ""
	}
}

func (m ChatMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseChatMode maps "voice" or "text" to a ChatMode.
func ParseChatMode(s string) (ChatMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice":
		return ChatModeVoice, nil
	case "text":
		return ChatModeText, nil
	default:
		return ChatModeUnset, fmt.Errorf("unknown chat mode %q", s)
	}
}

// Selection is the user's avatar and chat mode choice. The selected flags
// always mirror whether the corresponding value is set.
type Selection struct {
	AvatarID         string   `json:"avatar_id"`
	ChatMode         ChatMode `json:"chat_mode"`
	AvatarSelected   bool     `json:"avatar_selected"`
	ChatModeSelected bool     `json:"chat_mode_selected"`
}

func (s *Selection) selectAvatar(id string) {
	s.AvatarID = id
	s.AvatarSelected = id != ""
}

func (s *Selection) selectChatMode(mode ChatMode) {
	s.ChatMode = mode
	s.ChatModeSelected = mode != ChatModeUnset
}

// effectiveMode is the mode a start uses. An unset mode behaves as text.
func (s Selection) effectiveMode() ChatMode {
	if s.ChatMode == ChatModeUnset {
		return ChatModeText
	}
	return s.ChatMode
}
