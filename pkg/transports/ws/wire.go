package ws

import (
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/session"
)

// Intent is one user action sent by the client.
type Intent struct {
	Type string `json:"type"`
	// ID correlates the result message with this intent.
	ID       string `json:"id,omitempty"`
	AvatarID string `json:"avatar_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Text     string `json:"text,omitempty"`
	// Sync waits for playback to end before the result is sent.
	Sync bool `json:"sync,omitempty"`
}

const (
	IntentSelectAvatar     = "select_avatar"
	IntentSelectMode       = "select_mode"
	IntentReset            = "reset"
	IntentStart            = "start"
	IntentStop             = "stop"
	IntentSwitchAvatar     = "switch_avatar"
	IntentSendText         = "send_text"
	IntentSpeak            = "speak"
	IntentRepeat           = "repeat"
	IntentRepeatLastSpoken = "repeat_last_spoken"
	IntentVoiceStart       = "voice_start"
	IntentVoiceStop        = "voice_stop"
	IntentMute             = "mute"
	IntentUnmute           = "unmute"
	IntentSetMode          = "set_mode"
	IntentInterrupt        = "interrupt"
)

const (
	MessageSnapshot = "snapshot"
	MessageResult   = "result"
	MessageError    = "error"
)

// Message is sent to the client. Snapshot messages carry the full context
// view; result messages answer an intent; error messages report failures
// the context surfaced on its own.
type Message struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Intent   string            `json:"intent,omitempty"`
	OK       *bool             `json:"ok,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

func resultMessage(in Intent, err error) Message {
	ok := err == nil
	msg := Message{Type: MessageResult, ID: in.ID, Intent: in.Type, OK: &ok}
	if err != nil {
		msg.Reason = string(errorsx.Reason(err))
		msg.Message = err.Error()
	}
	return msg
}

func errorMessage(intent string, err error) Message {
	return Message{
		Type:    MessageError,
		Intent:  intent,
		Reason:  string(errorsx.Reason(err)),
		Message: err.Error(),
	}
}
