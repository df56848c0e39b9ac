// Package ws serves session contexts to browser clients over a websocket.
// Each connection mounts its own session.Context; the client sends intents
// and receives coalesced snapshots plus per-intent results.
//
// Every intent is answered with a result while the connection is open; a
// slow reader applies backpressure to intent handling. Error messages the
// context publishes on its own are best effort and dropped when the outbound
// queue is full.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	outBuffer      = 64
)

type Config struct {
	Path           string
	AllowAnyOrigin bool
	AllowedOrigins []string
}

type Transport struct {
	cfg      Config
	registry *session.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*conn]struct{}
	draining atomic.Bool
}

func New(cfg Config, registry *session.Registry, logger *slog.Logger) *Transport {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	t := &Transport{
		cfg:      cfg,
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "ws_transport"),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"ws_path":          t.cfg.Path,
		"allow_any_origin": t.cfg.AllowAnyOrigin,
	}
}

// Stop refuses new connections and closes the live ones. Their contexts are
// removed from the registry as each read loop exits.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

// Connections reports the number of open websocket connections.
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() || t.registry.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sc, err := t.registry.Create()
	if err != nil {
		t.logger.Error("session_context_create_failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.registry.Remove(sc.ID())
		t.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		sc:     sc,
		ctx:    ctx,
		cancel: cancel,
		logger: t.logger.With("context_id", sc.ID()),
		dirty:  make(chan struct{}, 1),
		out:    make(chan Message, outBuffer),
		done:   make(chan struct{}),
	}
	t.track(c, true)
	unsubscribe := sc.Subscribe(c.onChange)
	c.logger.Info("ws_connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()
	c.markDirty()
	c.readLoop()

	unsubscribe()
	c.close()
	t.registry.Remove(sc.ID())
	c.wg.Wait()
	<-writerDone
	t.track(c, false)
	c.logger.Info("ws_disconnected")
}

func (t *Transport) track(c *conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[c] = struct{}{}
		return
	}
	delete(t.conns, c)
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	if len(t.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(originHost, r.Host)
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type conn struct {
	ws     *websocket.Conn
	sc     *session.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// dirty coalesces change notifications into one pending snapshot.
	dirty     chan struct{}
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// onChange runs on the context's goroutines and must not block or call back
// into the context.
func (c *conn) onChange(ch session.Change) {
	if ch.Kind == session.ChangeError && ch.Err != nil {
		c.tryEnqueue(errorMessage(ch.Intent, ch.Err))
	}
	c.markDirty()
}

func (c *conn) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// enqueue waits for room in the outbound queue until the connection closes.
func (c *conn) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.out <- msg:
	}
}

// tryEnqueue never blocks; it runs on the context's goroutines.
func (c *conn) tryEnqueue(msg Message) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
		c.logger.Warn("ws_message_dropped", "type", msg.Type, "intent", msg.Intent)
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-c.dirty:
			snap := c.sc.Snapshot()
			if err := c.write(Message{Type: MessageSnapshot, Snapshot: &snap}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) write(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("ws_encode_failed", "type", msg.Type, "error", err)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var in Intent
		if err := json.Unmarshal(raw, &in); err != nil {
			c.enqueue(resultMessage(in, errorsx.Wrap(fmt.Errorf("decode intent: %w", err), errorsx.ReasonUnknown)))
			continue
		}
		c.handle(in)
	}
}

// handle applies selection intents in read order so a following start sees
// them. Everything else may block on the remote service and runs on its own
// goroutine.
func (c *conn) handle(in Intent) {
	switch in.Type {
	case IntentSelectAvatar, IntentSelectMode:
		c.enqueue(resultMessage(in, c.dispatch(in)))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.enqueue(resultMessage(in, c.dispatch(in)))
	}()
}

func (c *conn) dispatch(in Intent) error {
	ctx := c.ctx
	sc := c.sc
	switch in.Type {
	case IntentSelectAvatar:
		return sc.SelectAvatar(in.AvatarID)
	case IntentSelectMode, IntentSetMode:
		mode, err := session.ParseChatMode(in.Mode)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonUnknown)
		}
		if in.Type == IntentSetMode {
			return sc.SetInputMode(ctx, mode)
		}
		return sc.SelectChatMode(mode)
	case IntentReset:
		return sc.ResetSelection(ctx)
	case IntentStart:
		return sc.Start(ctx)
	case IntentStop:
		return sc.Stop(ctx)
	case IntentSwitchAvatar:
		return sc.SwitchAvatar(ctx, in.AvatarID)
	case IntentSendText:
		if in.Sync {
			return sc.SendMessageSync(ctx, in.Text)
		}
		return sc.SendMessage(ctx, in.Text)
	case IntentSpeak:
		if in.Sync {
			return sc.SpeakOnlySync(ctx, in.Text)
		}
		return sc.SpeakOnly(ctx, in.Text)
	case IntentRepeat:
		if strings.TrimSpace(in.Text) == "" {
			return sc.RepeatLastAvatarMessage(ctx)
		}
		return sc.RepeatMessage(ctx, in.Text)
	case IntentRepeatLastSpoken:
		return sc.RepeatLastSpoken(ctx)
	case IntentVoiceStart:
		return sc.StartVoiceChat(ctx)
	case IntentVoiceStop:
		return sc.StopVoiceChat(ctx)
	case IntentMute:
		return sc.Mute(ctx)
	case IntentUnmute:
		return sc.Unmute(ctx)
	case IntentInterrupt:
		return sc.Interrupt(ctx)
	default:
		return errorsx.New(errorsx.ReasonUnknown, fmt.Sprintf("unknown intent %q", in.Type))
	}
}
