package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// Config drives the behavior of the in-memory client.
type Config struct {
	// AutoReady emits stream_ready after Start, optionally after ReadyDelay.
	AutoReady  bool
	ReadyDelay time.Duration
	SessionURL string
	// Reply is spoken back as avatar fragments for every talk task.
	// Repeat tasks echo their own text. Empty disables the echo.
	Reply string
	// AckStop makes Stopped return a channel closed once Stop completes.
	AckStop bool

	StartErr          error
	StopErr           error
	SpeakErr          error
	VoiceErr          error
	CloseVoiceErr     error
	InterruptErr      error
	FragmentSeparator string
}

// Calls records how the client was driven.
type Calls struct {
	Starts        []streaming.StartRequest
	Stops         int
	Speaks        []streaming.SpeakRequest
	VoiceStarts   int
	VoiceCloses   int
	Mutes         int
	Unmutes       int
	Interrupts    int
	LastVoiceOpts streaming.VoiceChatOptions
}

// Client is an in-memory streaming client for local runs and tests.
// It implements streaming.Client without any network dependency.
type Client struct {
	cfg   Config
	token string

	mu      sync.Mutex
	events  chan streaming.Event
	stopped chan struct{}
	closed  bool
	calls   Calls

	// sendMu keeps Close from closing events under an in-flight Emit.
	sendMu sync.RWMutex
}

// New builds a client bound to token.
func New(token string, cfg Config) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("mock: empty access token")
	}
	if cfg.FragmentSeparator == "" {
		cfg.FragmentSeparator = " "
	}
	return &Client{
		cfg:     cfg,
		token:   token,
		events:  make(chan streaming.Event, 256),
		stopped: make(chan struct{}),
	}, nil
}

// NewFactory returns a streaming.Factory producing clients with cfg.
func NewFactory(cfg Config) streaming.Factory {
	return func(token string) (streaming.Client, error) {
		return New(token, cfg)
	}
}

type settings struct {
	AutoReady  *bool         `mapstructure:"auto_ready"`
	ReadyDelay time.Duration `mapstructure:"ready_delay"`
	SessionURL string        `mapstructure:"session_url"`
	Reply      string        `mapstructure:"reply"`
	AckStop    bool          `mapstructure:"ack_stop"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{"auto_ready", "ready_delay", "session_url", "reply", "ack_stop"},
}

// FactoryFromSettings decodes provider settings from config into a factory.
func FactoryFromSettings(raw map[string]any) (streaming.Factory, error) {
	var s settings
	if err := configutil.Decode(raw, settingsSchema, &s); err != nil {
		return nil, err
	}
	cfg := Config{
		AutoReady:  s.AutoReady == nil || *s.AutoReady,
		ReadyDelay: s.ReadyDelay,
		SessionURL: s.SessionURL,
		Reply:      s.Reply,
		AckStop:    s.AckStop,
	}
	return NewFactory(cfg), nil
}

func (c *Client) Token() string { return c.token }

func (c *Client) Start(ctx context.Context, req streaming.StartRequest) (streaming.MediaStream, error) {
	c.mu.Lock()
	c.calls.Starts = append(c.calls.Starts, req)
	c.mu.Unlock()
	if c.cfg.StartErr != nil {
		return streaming.MediaStream{}, c.cfg.StartErr
	}
	if err := ctx.Err(); err != nil {
		return streaming.MediaStream{}, err
	}
	stream := streaming.MediaStream{
		SessionID:   uuid.NewString(),
		URL:         c.cfg.SessionURL,
		AccessToken: c.token,
	}
	if c.cfg.AutoReady {
		ready := streaming.Event{Kind: streaming.EventStreamReady, Stream: &stream}
		if c.cfg.ReadyDelay > 0 {
			time.AfterFunc(c.cfg.ReadyDelay, func() { c.Emit(ready) })
		} else {
			c.Emit(ready)
		}
		c.Emit(streaming.Event{Kind: streaming.EventConnectionQualityChanged, Quality: streaming.QualityGood})
	}
	return stream, nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.calls.Stops++
	c.mu.Unlock()
	if c.cfg.StopErr != nil {
		return c.cfg.StopErr
	}
	c.Close()
	return nil
}

// Close closes the event stream and signals stop completion, releasing any
// Emit blocked on a full buffer. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopped)
	c.mu.Unlock()

	c.sendMu.Lock()
	close(c.events)
	c.sendMu.Unlock()
}

func (c *Client) Stopped() <-chan struct{} {
	if !c.cfg.AckStop {
		return nil
	}
	return c.stopped
}

func (c *Client) Speak(ctx context.Context, req streaming.SpeakRequest) error {
	c.mu.Lock()
	c.calls.Speaks = append(c.calls.Speaks, req)
	c.mu.Unlock()
	if c.cfg.SpeakErr != nil {
		return c.cfg.SpeakErr
	}
	text := req.Text
	if req.TaskType == streaming.TaskTalk {
		text = c.cfg.Reply
	}
	if strings.TrimSpace(text) == "" || c.cfg.Reply == "" {
		return nil
	}
	c.Emit(streaming.Event{Kind: streaming.EventAvatarStartTalking})
	words := strings.Fields(text)
	for i, w := range words {
		if i < len(words)-1 {
			w += c.cfg.FragmentSeparator
		}
		c.Emit(streaming.Event{Kind: streaming.EventAvatarTalkingMessage, Text: w})
	}
	c.Emit(streaming.Event{Kind: streaming.EventAvatarEndMessage})
	c.Emit(streaming.Event{Kind: streaming.EventAvatarStopTalking})
	return nil
}

func (c *Client) StartVoiceChat(ctx context.Context, opts streaming.VoiceChatOptions) error {
	c.mu.Lock()
	c.calls.VoiceStarts++
	c.calls.LastVoiceOpts = opts
	c.mu.Unlock()
	return c.cfg.VoiceErr
}

func (c *Client) CloseVoiceChat(ctx context.Context) error {
	c.mu.Lock()
	c.calls.VoiceCloses++
	c.mu.Unlock()
	return c.cfg.CloseVoiceErr
}

func (c *Client) MuteInputAudio(ctx context.Context) error {
	c.mu.Lock()
	c.calls.Mutes++
	c.mu.Unlock()
	return nil
}

func (c *Client) UnmuteInputAudio(ctx context.Context) error {
	c.mu.Lock()
	c.calls.Unmutes++
	c.mu.Unlock()
	return nil
}

func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	c.calls.Interrupts++
	c.mu.Unlock()
	return c.cfg.InterruptErr
}

func (c *Client) Events() <-chan streaming.Event { return c.events }

// Emit injects a remote event. It blocks while the event buffer is full
// and drops the event once the client is closed.
func (c *Client) Emit(ev streaming.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Calls returns a snapshot of the recorded calls.
func (c *Client) Calls() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.calls
	out.Starts = append([]streaming.StartRequest(nil), c.calls.Starts...)
	out.Speaks = append([]streaming.SpeakRequest(nil), c.calls.Speaks...)
	return out
}

var _ streaming.Client = (*Client)(nil)
var _ streaming.StopNotifier = (*Client)(nil)
