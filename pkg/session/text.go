package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// TextChannel forwards typed text to the avatar, either as a conversational
// turn or as verbatim speech.
type TextChannel struct {
	lc     *Lifecycle
	voice  *VoiceChannel
	logger *slog.Logger

	mu         sync.Mutex
	lastSpoken string
}

func NewTextChannel(lc *Lifecycle, voice *VoiceChannel, logger *slog.Logger) *TextChannel {
	return &TextChannel{lc: lc, voice: voice, logger: logging.NewComponentLogger(logger, "text_channel")}
}

// SendMessage asks the avatar to reply to text. Blank text is dropped.
func (t *TextChannel) SendMessage(ctx context.Context, text string) error {
	return t.speak(ctx, text, streaming.TaskTalk, streaming.TaskAsync)
}

// SendMessageSync is SendMessage that returns once playback has finished.
func (t *TextChannel) SendMessageSync(ctx context.Context, text string) error {
	return t.speak(ctx, text, streaming.TaskTalk, streaming.TaskSync)
}

// SpeakOnly makes the avatar say text verbatim without replying.
func (t *TextChannel) SpeakOnly(ctx context.Context, text string) error {
	return t.speak(ctx, text, streaming.TaskRepeat, streaming.TaskAsync)
}

func (t *TextChannel) SpeakOnlySync(ctx context.Context, text string) error {
	return t.speak(ctx, text, streaming.TaskRepeat, streaming.TaskSync)
}

// RepeatMessage speaks arbitrary text verbatim.
func (t *TextChannel) RepeatMessage(ctx context.Context, text string) error {
	return t.SpeakOnly(ctx, text)
}

// RepeatLastSpoken speaks the most recent speak-only text again.
func (t *TextChannel) RepeatLastSpoken(ctx context.Context) error {
	t.mu.Lock()
	last := t.lastSpoken
	t.mu.Unlock()
	if last == "" {
		return errorsx.New(errorsx.ReasonNothingToRepeat, "nothing has been spoken yet")
	}
	return t.SpeakOnly(ctx, last)
}

func (t *TextChannel) LastSpoken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSpoken
}

func (t *TextChannel) speak(ctx context.Context, text string, task streaming.TaskType, mode streaming.TaskMode) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	client, ok := t.lc.connectedClient()
	if !ok {
		return errorsx.New(errorsx.ReasonSessionInactive, "session is not connected")
	}
	if task == streaming.TaskTalk && t.voice != nil && t.voice.State().Busy() {
		return errorsx.New(errorsx.ReasonModeMismatch, "text input is disabled while voice chat is on")
	}

	err := client.Speak(ctx, streaming.SpeakRequest{Text: text, TaskType: task, TaskMode: mode})
	if err != nil {
		t.logger.Warn("speak_failed",
			"session_id", t.lc.SessionID(),
			"task_type", string(task),
			"error", err,
		)
		return errorsx.Wrap(fmt.Errorf("send %s task: %w", task, err), errorsx.ReasonSend)
	}
	if task == streaming.TaskRepeat {
		t.mu.Lock()
		t.lastSpoken = text
		t.mu.Unlock()
	}
	t.logger.Debug("speak_sent",
		"session_id", t.lc.SessionID(),
		"task_type", string(task),
		"task_mode", string(mode),
		"text", redact.Text(text),
	)
	return nil
}
