package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/streaming"
	"github.com/harunnryd/avatarlink/pkg/transcript"
)

// TokenSource fetches a short-lived access token for an avatar.
type TokenSource interface {
	FetchToken(ctx context.Context, avatarID string) (string, error)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Settings tunes session sequencing.
type Settings struct {
	// SettleDelay separates the stop and restart of an avatar switch when
	// no stop acknowledgment is awaited.
	SettleDelay time.Duration
	// AwaitStopAck restarts on the client's stop acknowledgment when it
	// offers one, bounded by StopAckTimeout.
	AwaitStopAck   bool
	StopAckTimeout time.Duration
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		SettleDelay:    time.Second,
		AwaitStopAck:   true,
		StopAckTimeout: 5 * time.Second,
		StopTimeout:    5 * time.Second,
	}
}

// Options configures a Context.
type Options struct {
	Catalog  *catalog.Catalog
	Tokens   TokenSource
	Factory  streaming.Factory
	Observer metrics.Observer
	Logger   *slog.Logger
	Settings Settings
	// AfterFunc schedules delayed restarts. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

type ChangeKind string

const (
	ChangeState      ChangeKind = "state"
	ChangeTranscript ChangeKind = "transcript"
	ChangeQuality    ChangeKind = "quality"
	ChangeVoice      ChangeKind = "voice"
	ChangeSelection  ChangeKind = "selection"
	ChangeError      ChangeKind = "error"
)

// Change notifies subscribers that part of the context changed.
type Change struct {
	Kind ChangeKind
	// Intent and Err are set for ChangeError.
	Intent string
	Err    error
}

// Snapshot is a read-only copy of everything presentation may show.
type Snapshot struct {
	ContextID     string                 `json:"context_id"`
	State         State                  `json:"state"`
	SessionID     string                 `json:"session_id,omitempty"`
	Stream        *streaming.MediaStream `json:"stream,omitempty"`
	Selection     Selection              `json:"selection"`
	Quality       string                 `json:"quality"`
	Voice         VoiceState             `json:"voice"`
	Messages      []transcript.Message   `json:"messages"`
	UserPartial   string                 `json:"user_partial,omitempty"`
	AvatarPartial string                 `json:"avatar_partial,omitempty"`
}

// Context is the single state object behind one presentation surface. It
// owns one Lifecycle and is the only writer of session state. Create it with
// New and tear it down with Close.
type Context struct {
	id        string
	catalog   *catalog.Catalog
	tokens    TokenSource
	observer  metrics.Observer
	logger    *slog.Logger
	settings  Settings
	afterFunc func(time.Duration, func()) Timer

	lc          *Lifecycle
	transcript  *transcript.Aggregator
	quality     *QualityMonitor
	voice       *VoiceChannel
	text        *TextChannel
	interrupter *Interrupter

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	selection  Selection
	starting   bool
	closed     bool
	gen        uint64
	restart    Timer
	restartSeq uint64
	subs       map[int]func(Change)
	nextSub    int
}

func New(opts Options) (*Context, error) {
	if opts.Catalog == nil {
		return nil, errors.New("session: catalog is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("session: token source is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("session: streaming client factory is required")
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	id := uuid.NewString()
	logger := logging.NewComponentLogger(opts.Logger, "session_context").With("context_id", id)
	base, cancel := context.WithCancel(context.Background())

	lc := NewLifecycle(LifecycleOptions{
		Factory:        opts.Factory,
		Logger:         opts.Logger,
		ConnectTimeout: opts.Settings.ConnectTimeout,
		StopTimeout:    opts.Settings.StopTimeout,
	})
	voice := NewVoiceChannel(lc, opts.Logger)
	c := &Context{
		id:          id,
		catalog:     opts.Catalog,
		tokens:      opts.Tokens,
		observer:    opts.Observer,
		logger:      logger,
		settings:    opts.Settings,
		afterFunc:   opts.AfterFunc,
		lc:          lc,
		transcript:  transcript.NewAggregator(),
		quality:     NewQualityMonitor(),
		voice:       voice,
		text:        NewTextChannel(lc, voice, opts.Logger),
		interrupter: NewInterrupter(lc, opts.Logger),
		base:        base,
		cancel:      cancel,
		subs:        make(map[int]func(Change)),
	}

	lc.AddListener(StateListenerFunc(c.onStateChange))
	lc.On(streaming.EventUserTalkingMessage, c.fragment(transcript.SenderUser))
	lc.On(streaming.EventUserEndMessage, c.endMessage(transcript.SenderUser))
	lc.On(streaming.EventAvatarTalkingMessage, c.fragment(transcript.SenderAvatar))
	lc.On(streaming.EventAvatarEndMessage, c.endMessage(transcript.SenderAvatar))
	lc.On(streaming.EventConnectionQualityChanged, func(ev streaming.Event) {
		if c.quality.Set(ev.Quality) {
			c.publish(Change{Kind: ChangeQuality})
		}
	})
	c.transcript.OnFinalize(c.onFinalize)
	voice.OnChange(func(VoiceState) { c.publish(Change{Kind: ChangeVoice}) })

	logger.Debug("session_context_mounted")
	return c, nil
}

func (c *Context) ID() string { return c.id }

func (c *Context) fragment(sender transcript.Sender) Handler {
	return func(ev streaming.Event) {
		c.transcript.AddFragment(sender, ev.Text)
		c.publish(Change{Kind: ChangeTranscript})
	}
}

func (c *Context) endMessage(sender transcript.Sender) Handler {
	return func(streaming.Event) {
		if _, ok := c.transcript.EndMessage(sender); ok {
			c.publish(Change{Kind: ChangeTranscript})
		}
	}
}

func (c *Context) onFinalize(m transcript.Message) {
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "message_finalized",
		Time:  m.At,
		Value: float64(len(m.Content)),
		Tags: map[string]string{
			"context_id": c.id,
			"sender":     m.Sender.String(),
		},
	})
	c.logger.Debug("message_finalized",
		"seq", m.Seq,
		"sender", m.Sender.String(),
		"content", redact.Text(m.Content),
	)
}

func (c *Context) onStateChange(ch StateChange) {
	switch ch.To {
	case StateConnecting:
		c.transcript.Reset()
	case StateInactive:
		c.transcript.Discard()
		if c.quality.Reset() {
			c.publish(Change{Kind: ChangeQuality})
		}
		c.voice.Reset()
	}

	tags := map[string]string{
		"context_id": c.id,
		"from":       ch.From.String(),
		"to":         ch.To.String(),
		"reason":     ch.Reason,
	}
	if ch.Err != nil {
		tags["reason_code"] = string(errorsx.Reason(ch.Err))
	}
	c.observer.RecordEvent(metrics.MetricsEvent{Name: "session_state", Time: ch.Time, Value: 1, Tags: tags})
	c.logger.Info("session_state_changed", "from", ch.From.String(), "to", ch.To.String(), "reason", ch.Reason)

	c.publish(Change{Kind: ChangeState})
	// Start failures are reported by Start itself.
	if ch.Err != nil && ch.From == StateConnected {
		c.publish(Change{Kind: ChangeError, Intent: ch.Reason, Err: ch.Err})
	}
}

// Subscribe registers fn for change notifications. Callbacks run on the
// goroutine that made the change and must not block.
func (c *Context) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Context) publish(ch Change) {
	c.mu.Lock()
	list := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		list = append(list, fn)
	}
	c.mu.Unlock()
	for _, fn := range list {
		fn(ch)
	}
}

// fail logs a failed intent at its boundary and reports it to subscribers.
func (c *Context) fail(intent string, err error) error {
	if err == nil {
		return nil
	}
	c.logger.Warn("intent_failed",
		"intent", intent,
		"reason_code", string(errorsx.Reason(err)),
		"error", err,
	)
	c.publish(Change{Kind: ChangeError, Intent: intent, Err: err})
	return err
}

func (c *Context) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	return nil
}

// SelectAvatar records the avatar to use on the next start.
func (c *Context) SelectAvatar(avatarID string) error {
	if _, ok := c.catalog.Find(avatarID); !ok {
		return c.fail("select_avatar", errorsx.New(errorsx.ReasonUnknownAvatar, fmt.Sprintf("unknown avatar %q", avatarID)))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	c.selection.selectAvatar(avatarID)
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeSelection})
	return nil
}

// SelectChatMode records the chat mode without touching the session.
func (c *Context) SelectChatMode(mode ChatMode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	c.selection.selectChatMode(mode)
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeSelection})
	return nil
}

// ResetSelection stops any session and clears selection and transcript.
func (c *Context) ResetSelection(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	stopErr := c.Stop(ctx)
	c.mu.Lock()
	c.selection = Selection{}
	c.mu.Unlock()
	c.transcript.Reset()
	c.publish(Change{Kind: ChangeSelection})
	c.publish(Change{Kind: ChangeTranscript})
	return stopErr
}

// Start fetches a token and connects the selected avatar. A start while one
// is in flight or while a session exists does nothing.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	if !c.selection.AvatarSelected {
		c.mu.Unlock()
		return c.fail("start", errorsx.New(errorsx.ReasonNoSelection, "no avatar selected"))
	}
	if c.starting || c.lc.State() != StateInactive {
		c.mu.Unlock()
		c.logger.Debug("start_ignored", "state", c.lc.State().String())
		return nil
	}
	c.starting = true
	avatarID := c.selection.AvatarID
	mode := c.selection.effectiveMode()
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	return c.fail("start", c.start(ctx, avatarID, mode, gen))
}

func (c *Context) start(ctx context.Context, avatarID string, mode ChatMode, gen uint64) error {
	req, err := c.catalog.BuildStartRequest(avatarID)
	if err != nil {
		return err
	}

	began := time.Now()
	token, err := c.tokens.FetchToken(ctx, avatarID)
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "token_fetch",
		Time:  time.Now(),
		Value: float64(time.Since(began).Milliseconds()),
		Tags:  map[string]string{"context_id": c.id, "avatar_id": avatarID, "ok": boolTag(err == nil)},
	})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("fetch token: %w", err), errorsx.ReasonTokenFetch)
	}
	c.logger.Debug("token_fetched", "avatar_id", avatarID, "token", redact.Secret(token))
	if !c.current(gen) {
		return errStartCancelled()
	}

	client, err := c.lc.InitSession(token)
	if err != nil {
		return err
	}
	if !c.current(gen) {
		c.release(client)
		return errStartCancelled()
	}

	began = time.Now()
	err = c.lc.StartSession(ctx, client, req)
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "session_start",
		Time:  time.Now(),
		Value: float64(time.Since(began).Milliseconds()),
		Tags:  map[string]string{"context_id": c.id, "avatar_id": avatarID, "ok": boolTag(err == nil)},
	})
	if err != nil {
		return err
	}
	// A Stop or Close that landed before the session reached CONNECTING
	// found nothing to stop; this start owns the teardown.
	if !c.current(gen) {
		if serr := c.lc.StopSession(context.Background()); serr != nil {
			c.logger.Debug("cancelled_start_release_failed", "error", serr)
		}
		return errStartCancelled()
	}

	if mode == ChatModeVoice {
		if verr := c.voice.Start(ctx); verr != nil {
			c.fail("voice_start", verr)
		}
	}
	return nil
}

func errStartCancelled() error {
	return errorsx.New(errorsx.ReasonConnect, "start cancelled")
}

// release stops a handle that was built but never started.
func (c *Context) release(client streaming.Client) {
	ctx := context.Background()
	if c.settings.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.StopTimeout)
		defer cancel()
	}
	if err := client.Stop(ctx); err != nil {
		c.logger.Debug("cancelled_start_release_failed", "error", err)
	}
}

func (c *Context) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

// Stop ends the session and cancels a pending avatar-switch restart.
func (c *Context) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	c.gen++
	c.cancelRestartLocked()
	c.mu.Unlock()
	return c.fail("stop", c.lc.StopSession(ctx))
}

// SwitchAvatar changes the selected avatar. A connected session is stopped
// and restarted once with the new avatar after the stop has settled.
func (c *Context) SwitchAvatar(ctx context.Context, avatarID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonClosed, "session context is closed")
	}
	if avatarID == c.selection.AvatarID {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.catalog.Find(avatarID); !ok {
		c.mu.Unlock()
		return c.fail("switch_avatar", errorsx.New(errorsx.ReasonUnknownAvatar, fmt.Sprintf("unknown avatar %q", avatarID)))
	}
	c.selection.selectAvatar(avatarID)
	c.cancelRestartLocked()
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeSelection})

	if c.lc.State() != StateConnected {
		return nil
	}
	c.logger.Info("avatar_switch", "avatar_id", avatarID)
	if err := c.lc.StopSession(ctx); err != nil {
		c.fail("switch_avatar", err)
	}
	c.scheduleRestart(c.lc.LastStopAck())
	return nil
}

// scheduleRestart arranges exactly one restart, on the stop acknowledgment
// when awaited and available, else after the settle delay.
func (c *Context) scheduleRestart(ack <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelRestartLocked()
	seq := c.restartSeq
	fire := func() { c.runRestart(seq) }

	if c.settings.AwaitStopAck && ack != nil {
		w := newAckWait()
		c.restart = w
		go w.run(ack, c.settings.StopAckTimeout, fire)
		return
	}
	c.restart = c.afterFunc(c.settings.SettleDelay, fire)
}

func (c *Context) runRestart(seq uint64) {
	c.mu.Lock()
	if c.closed || c.restartSeq != seq || c.restart == nil {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	c.mu.Unlock()

	if err := c.Start(c.base); err != nil {
		c.logger.Warn("avatar_switch_restart_failed", "error", err)
	}
}

func (c *Context) cancelRestartLocked() {
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	c.restartSeq++
}

// RestartPending reports whether an avatar-switch restart is scheduled.
func (c *Context) RestartPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restart != nil
}

func (c *Context) SendMessage(ctx context.Context, text string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("send_text", c.text.SendMessage(ctx, text))
}

func (c *Context) SendMessageSync(ctx context.Context, text string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("send_text", c.text.SendMessageSync(ctx, text))
}

func (c *Context) SpeakOnly(ctx context.Context, text string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("speak", c.text.SpeakOnly(ctx, text))
}

func (c *Context) SpeakOnlySync(ctx context.Context, text string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("speak", c.text.SpeakOnlySync(ctx, text))
}

func (c *Context) RepeatMessage(ctx context.Context, text string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("repeat", c.text.RepeatMessage(ctx, text))
}

// RepeatLastAvatarMessage has the avatar say its last finalized message again.
func (c *Context) RepeatLastAvatarMessage(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	last, ok := c.transcript.LastAvatarMessage()
	if !ok {
		return c.fail("repeat", errorsx.New(errorsx.ReasonNothingToRepeat, "no avatar message yet"))
	}
	return c.fail("repeat", c.text.RepeatMessage(ctx, last.Content))
}

func (c *Context) RepeatLastSpoken(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("repeat_last_spoken", c.text.RepeatLastSpoken(ctx))
}

func (c *Context) StartVoiceChat(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("voice_start", c.voice.Start(ctx))
}

func (c *Context) StopVoiceChat(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("voice_stop", c.voice.Stop(ctx))
}

func (c *Context) Mute(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("mute", c.voice.Mute(ctx))
}

func (c *Context) Unmute(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("unmute", c.voice.Unmute(ctx))
}

// SetInputMode switches between voice and text input on the same session.
func (c *Context) SetInputMode(ctx context.Context, mode ChatMode) error {
	if err := c.SelectChatMode(mode); err != nil {
		return err
	}
	if c.lc.State() != StateConnected {
		return nil
	}
	switch mode {
	case ChatModeVoice:
		return c.fail("set_mode", c.voice.Start(ctx))
	case ChatModeText:
		return c.fail("set_mode", c.voice.Stop(ctx))
	}
	return nil
}

func (c *Context) Interrupt(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.fail("interrupt", c.interrupter.Interrupt(ctx))
}

// Close forces the session down and cancels pending work. Idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.cancelRestartLocked()
	c.mu.Unlock()

	c.cancel()
	err := c.lc.StopSession(context.Background())

	c.mu.Lock()
	c.subs = make(map[int]func(Change))
	c.mu.Unlock()
	c.logger.Debug("session_context_unmounted")
	return err
}

func (c *Context) State() State { return c.lc.State() }

func (c *Context) Stream() *streaming.MediaStream { return c.lc.Stream() }

func (c *Context) SessionID() string { return c.lc.SessionID() }

func (c *Context) Messages() []transcript.Message { return c.transcript.Messages() }

func (c *Context) Partial(sender transcript.Sender) string {
	return c.transcript.Partial(sender)
}

func (c *Context) Quality() streaming.Quality { return c.quality.Get() }

func (c *Context) Voice() VoiceState { return c.voice.State() }

func (c *Context) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		ContextID:     c.id,
		State:         c.lc.State(),
		SessionID:     c.lc.SessionID(),
		Stream:        c.lc.Stream(),
		Selection:     c.Selection(),
		Quality:       c.quality.Get().String(),
		Voice:         c.voice.State(),
		Messages:      c.transcript.Messages(),
		UserPartial:   c.transcript.Partial(transcript.SenderUser),
		AvatarPartial: c.transcript.Partial(transcript.SenderAvatar),
	}
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// ackWait runs a restart once a stop acknowledgment arrives or its timeout passes.
type ackWait struct {
	once sync.Once
	done chan struct{}
}

func newAckWait() *ackWait {
	return &ackWait{done: make(chan struct{})}
}

func (w *ackWait) Stop() bool {
	stopped := false
	w.once.Do(func() {
		close(w.done)
		stopped = true
	})
	return stopped
}

func (w *ackWait) run(ack <-chan struct{}, timeout time.Duration, fire func()) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ack:
	case <-expired:
	case <-w.done:
		return
	}
	fire()
}
