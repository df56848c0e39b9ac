package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// VoiceState is the voice channel sub-state of a connected session.
type VoiceState struct {
	Loading bool `json:"loading"`
	Active  bool `json:"active"`
	Muted   bool `json:"muted"`
}

// Busy reports whether the voice channel is open or opening.
func (v VoiceState) Busy() bool {
	return v.Loading || v.Active
}

// VoiceChannel opens and closes the microphone channel of the session.
// It never changes the outer session state.
type VoiceChannel struct {
	lc     *Lifecycle
	logger *slog.Logger

	mu       sync.Mutex
	st       VoiceState
	gen      uint64
	onChange func(VoiceState)
}

func NewVoiceChannel(lc *Lifecycle, logger *slog.Logger) *VoiceChannel {
	return &VoiceChannel{lc: lc, logger: logging.NewComponentLogger(logger, "voice_channel")}
}

// OnChange registers a hook called outside the lock after every change.
func (v *VoiceChannel) OnChange(fn func(VoiceState)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

func (v *VoiceChannel) State() VoiceState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st
}

// Start opens the voice channel. Requires a CONNECTED session.
func (v *VoiceChannel) Start(ctx context.Context) error {
	client, ok := v.lc.connectedClient()
	if !ok {
		return errorsx.New(errorsx.ReasonSessionInactive, "voice chat needs a connected session")
	}

	v.mu.Lock()
	if v.st.Busy() {
		v.mu.Unlock()
		return nil
	}
	v.st.Loading = true
	gen := v.gen
	v.mu.Unlock()
	v.changed()

	err := client.StartVoiceChat(ctx, streaming.VoiceChatOptions{UseSilencePrompt: false})

	v.mu.Lock()
	if v.gen != gen {
		// Stopped or reset while opening.
		v.mu.Unlock()
		return nil
	}
	v.st.Loading = false
	v.st.Active = err == nil
	v.st.Muted = false
	v.mu.Unlock()
	v.changed()

	if err != nil {
		v.logger.Warn("voice_chat_start_failed", "session_id", v.lc.SessionID(), "error", err)
		return errorsx.Wrap(fmt.Errorf("start voice chat: %w", err), errorsx.ReasonChannel)
	}
	v.logger.Info("voice_chat_started", "session_id", v.lc.SessionID())
	return nil
}

// Stop closes the voice channel. Local state is cleared even when the remote
// close fails. A channel that was never opened is left alone.
func (v *VoiceChannel) Stop(ctx context.Context) error {
	v.mu.Lock()
	wasOpen := v.st.Busy()
	v.gen++
	v.st = VoiceState{}
	v.mu.Unlock()
	if !wasOpen {
		return nil
	}
	v.changed()

	client := v.lc.Client()
	if client == nil {
		return nil
	}
	if err := client.CloseVoiceChat(ctx); err != nil {
		v.logger.Warn("voice_chat_stop_failed", "session_id", v.lc.SessionID(), "error", err)
		return errorsx.Wrap(fmt.Errorf("stop voice chat: %w", err), errorsx.ReasonChannel)
	}
	v.logger.Info("voice_chat_stopped", "session_id", v.lc.SessionID())
	return nil
}

func (v *VoiceChannel) Mute(ctx context.Context) error {
	return v.setMuted(ctx, true)
}

func (v *VoiceChannel) Unmute(ctx context.Context) error {
	return v.setMuted(ctx, false)
}

func (v *VoiceChannel) setMuted(ctx context.Context, muted bool) error {
	v.mu.Lock()
	active := v.st.Active
	already := v.st.Muted == muted
	gen := v.gen
	v.mu.Unlock()
	if !active {
		return errorsx.New(errorsx.ReasonChannel, "voice chat is not active")
	}
	if already {
		return nil
	}
	client, ok := v.lc.connectedClient()
	if !ok {
		return errorsx.New(errorsx.ReasonSessionInactive, "voice chat needs a connected session")
	}

	var err error
	if muted {
		err = client.MuteInputAudio(ctx)
	} else {
		err = client.UnmuteInputAudio(ctx)
	}
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("toggle microphone: %w", err), errorsx.ReasonChannel)
	}

	v.mu.Lock()
	if v.gen != gen || !v.st.Active {
		v.mu.Unlock()
		return nil
	}
	v.st.Muted = muted
	v.mu.Unlock()
	v.changed()
	return nil
}

// Reset clears the sub-state without any remote call, as when the session ends.
func (v *VoiceChannel) Reset() {
	v.mu.Lock()
	was := v.st
	v.gen++
	v.st = VoiceState{}
	v.mu.Unlock()
	if was != (VoiceState{}) {
		v.changed()
	}
}

func (v *VoiceChannel) changed() {
	v.mu.Lock()
	fn := v.onChange
	st := v.st
	v.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
