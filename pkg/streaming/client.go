// Package streaming defines the boundary to the remote streaming-avatar
// service: the requests a live session accepts and the events it emits.
// Vendor wire protocols live behind Client implementations.
package streaming

import (
	"context"
	"time"
)

// Client is one live session with the remote service, bound to a single
// access token. Implementations close the Events channel once stopped.
type Client interface {
	// Start opens the connection and returns the session's media stream info.
	Start(ctx context.Context, req StartRequest) (MediaStream, error)
	// Stop asks the remote side to tear the session down.
	Stop(ctx context.Context) error
	// Speak queues text for the avatar, as a conversational turn or verbatim.
	Speak(ctx context.Context, req SpeakRequest) error
	// StartVoiceChat opens microphone capture and the remote speech pipeline.
	StartVoiceChat(ctx context.Context, opts VoiceChatOptions) error
	// CloseVoiceChat closes the voice channel.
	CloseVoiceChat(ctx context.Context) error
	MuteInputAudio(ctx context.Context) error
	UnmuteInputAudio(ctx context.Context) error
	// Interrupt cancels the utterance currently queued or streaming.
	Interrupt(ctx context.Context) error
	// Events delivers remote events in arrival order.
	Events() <-chan Event
}

// StopNotifier is implemented by clients that signal when the remote side
// has fully released the session after Stop. A nil channel means the client
// cannot acknowledge stops.
type StopNotifier interface {
	Stopped() <-chan struct{}
}

// Factory constructs a client bound to an access token.
type Factory func(token string) (Client, error)

// MediaStream identifies the live audio/video feed of a connected session.
type MediaStream struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"-"`
}

// Empty reports whether the stream carries no identity.
func (m MediaStream) Empty() bool {
	return m.SessionID == "" && m.URL == ""
}

type AvatarQuality string

const (
	AvatarQualityLow    AvatarQuality = "low"
	AvatarQualityMedium AvatarQuality = "medium"
	AvatarQualityHigh   AvatarQuality = "high"
)

// VoiceSettings tunes the avatar's synthetic voice.
type VoiceSettings struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	Model   string  `json:"model,omitempty"`
}

// StartRequest configures a new session.
type StartRequest struct {
	Quality            AvatarQuality `json:"quality"`
	AvatarName         string        `json:"avatar_name"`
	KnowledgeID        string        `json:"knowledge_id,omitempty"`
	Voice              VoiceSettings `json:"voice"`
	Language           string        `json:"language"`
	VoiceChatTransport string        `json:"voice_chat_transport"`
	STTProvider        string        `json:"stt_provider"`
}

// TaskType selects how the remote service treats spoken text.
type TaskType string

const (
	// TaskTalk makes the avatar formulate a conversational reply.
	TaskTalk TaskType = "talk"
	// TaskRepeat makes the avatar speak the text verbatim.
	TaskRepeat TaskType = "repeat"
)

// TaskMode selects whether Speak returns on acceptance or on playback end.
type TaskMode string

const (
	TaskAsync TaskMode = "async"
	TaskSync  TaskMode = "sync"
)

type SpeakRequest struct {
	Text     string   `json:"text"`
	TaskType TaskType `json:"task_type"`
	TaskMode TaskMode `json:"task_mode"`
}

type VoiceChatOptions struct {
	UseSilencePrompt bool `json:"use_silence_prompt"`
	StartMuted       bool `json:"start_muted"`
}

// Quality is the connection quality last reported by the remote client.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "GOOD"
	case QualityBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// ParseQuality maps a vendor quality label to a Quality.
func ParseQuality(s string) Quality {
	switch s {
	case "GOOD", "good":
		return QualityGood
	case "BAD", "bad":
		return QualityBad
	default:
		return QualityUnknown
	}
}

type EventKind string

const (
	EventStreamReady              EventKind = "stream_ready"
	EventStreamDisconnected       EventKind = "stream_disconnected"
	EventAvatarStartTalking       EventKind = "avatar_start_talking"
	EventAvatarStopTalking        EventKind = "avatar_stop_talking"
	EventUserStart                EventKind = "user_start"
	EventUserStop                 EventKind = "user_stop"
	EventUserSilence              EventKind = "user_silence"
	EventUserTalkingMessage       EventKind = "user_talking_message"
	EventUserEndMessage           EventKind = "user_end_message"
	EventAvatarTalkingMessage     EventKind = "avatar_talking_message"
	EventAvatarEndMessage         EventKind = "avatar_end_message"
	EventConnectionQualityChanged EventKind = "connection_quality_changed"
)

// Event is a single notification from the remote session.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Text    string
	Stream  *MediaStream
	Quality Quality
	Detail  map[string]string
}
