package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// Handler processes a remote event on the session's dispatch goroutine.
// Handlers must not call StopSession.
type Handler func(ev streaming.Event)

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	Factory streaming.Factory
	Logger  *slog.Logger
	// ConnectTimeout bounds StartSession. Zero waits until the remote settles.
	ConnectTimeout time.Duration
	// StopTimeout bounds the remote stop request. Zero means no bound.
	StopTimeout time.Duration
}

// attempt is one session epoch. Events and completions belonging to an
// attempt that is no longer current are dropped.
type attempt struct {
	id       string
	client   streaming.Client
	fallback *streaming.MediaStream
	settled  chan struct{}
	once     sync.Once
	err      error
	// done releases the dispatch goroutine once the attempt is detached,
	// whether or not the client ever closes its event channel.
	done     chan struct{}
	doneOnce sync.Once
}

func (a *attempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.settled)
	})
}

func (a *attempt) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Lifecycle owns the single session handle and media stream and drives
// the INACTIVE, CONNECTING, CONNECTED state machine.
type Lifecycle struct {
	factory        streaming.Factory
	logger         *slog.Logger
	connectTimeout time.Duration
	stopTimeout    time.Duration

	// dispatchMu serializes event handling against epoch changes.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	state     State
	current   *attempt
	client    streaming.Client
	stream    *streaming.MediaStream
	sessionID string
	stopAck   <-chan struct{}
	handlers  map[streaming.EventKind][]Handler
	listeners []StateListener
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	return &Lifecycle{
		factory:        opts.Factory,
		logger:         logging.NewComponentLogger(opts.Logger, "session_lifecycle"),
		connectTimeout: opts.ConnectTimeout,
		stopTimeout:    opts.StopTimeout,
		state:          StateInactive,
		handlers:       make(map[streaming.EventKind][]Handler),
	}
}

// InitSession constructs a session handle bound to token without connecting.
func (l *Lifecycle) InitSession(token string) (streaming.Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errorsx.New(errorsx.ReasonCredential, "empty access token")
	}
	if l.factory == nil {
		return nil, errorsx.New(errorsx.ReasonCredential, "no streaming client factory")
	}
	client, err := l.factory(token)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("init session: %w", err), errorsx.ReasonCredential)
	}
	return client, nil
}

// StartSession connects client and blocks until the session is CONNECTED,
// falls back to INACTIVE, or ctx ends. It is a no-op unless INACTIVE.
func (l *Lifecycle) StartSession(ctx context.Context, client streaming.Client, req streaming.StartRequest) error {
	if client == nil {
		return errorsx.New(errorsx.ReasonCredential, "session handle not initialized")
	}

	l.mu.Lock()
	if l.state != StateInactive {
		state := l.state
		l.mu.Unlock()
		l.logger.Debug("session_start_ignored", "state", state.String())
		return nil
	}
	a := &attempt{
		id:      uuid.NewString(),
		client:  client,
		settled: make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.current = a
	l.client = client
	l.stream = nil
	l.stopAck = nil
	l.sessionID = a.id
	change, _ := l.transitionLocked(StateConnecting, "start_session", nil)
	l.mu.Unlock()
	l.notify(change)

	l.logger.Info("session_connecting", "session_id", a.id, "avatar", req.AvatarName, "quality", string(req.Quality))

	// The dispatcher must run before Start: ready may arrive while Start is in flight.
	go l.dispatch(a)

	startCtx := ctx
	if l.connectTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, l.connectTimeout)
		defer cancel()
	}

	stream, err := client.Start(startCtx, req)
	if err != nil {
		err = errorsx.Wrap(fmt.Errorf("start session: %w", err), errorsx.ReasonConnect)
		l.abandon(a, "start_failed", err)
		return err
	}

	l.mu.Lock()
	if l.current == a {
		a.fallback = &stream
		if l.state == StateConnected && l.stream == nil {
			l.stream = &stream
		}
	}
	l.mu.Unlock()

	select {
	case <-a.settled:
	case <-startCtx.Done():
		err := errorsx.Wrap(fmt.Errorf("start session: %w", startCtx.Err()), errorsx.ReasonConnect)
		l.abandon(a, "start_timeout", err)
		<-a.settled
	}
	return a.err
}

// abandon resolves a failed start: the attempt ends, state falls back to
// INACTIVE and the handle is released with a best-effort stop.
func (l *Lifecycle) abandon(a *attempt, reason string, err error) {
	l.dispatchMu.Lock()
	l.mu.Lock()
	if l.current != a {
		l.mu.Unlock()
		l.dispatchMu.Unlock()
		a.settle(err)
		return
	}
	change, ok := l.endLocked(reason, err)
	l.mu.Unlock()
	l.dispatchMu.Unlock()

	if ok {
		l.notify(change)
	}
	a.settle(err)
	l.logger.Warn("session_start_failed",
		"session_id", a.id,
		"reason", reason,
		"reason_code", string(errorsx.Reason(err)),
		"error", err,
	)

	stopCtx, cancel := l.stopContext(context.Background())
	defer cancel()
	if stopErr := a.client.Stop(stopCtx); stopErr != nil {
		l.logger.Debug("session_release_failed", "session_id", a.id, "error", stopErr)
	}
}

// StopSession tears the session down from CONNECTING or CONNECTED. The
// state becomes INACTIVE even if the remote stop fails. No-op when INACTIVE.
func (l *Lifecycle) StopSession(ctx context.Context) error {
	l.dispatchMu.Lock()
	l.mu.Lock()
	a := l.current
	if l.state == StateInactive || a == nil {
		l.mu.Unlock()
		l.dispatchMu.Unlock()
		return nil
	}
	// Detach first so late events from this session are dropped.
	l.current = nil
	a.finish()
	l.mu.Unlock()
	l.dispatchMu.Unlock()

	var ack <-chan struct{}
	if n, ok := a.client.(streaming.StopNotifier); ok {
		ack = n.Stopped()
	}

	stopCtx, cancel := l.stopContext(ctx)
	stopErr := a.client.Stop(stopCtx)
	cancel()

	l.mu.Lock()
	change, ok := l.endLocked("stop_session", nil)
	l.stopAck = ack
	l.mu.Unlock()
	if ok {
		l.notify(change)
	}
	a.settle(errorsx.New(errorsx.ReasonConnect, "session stopped before it was ready"))

	if stopErr != nil {
		l.logger.Warn("session_stop_failed", "session_id", a.id, "error", stopErr)
		return errorsx.Wrap(fmt.Errorf("stop session: %w", stopErr), errorsx.ReasonConnect)
	}
	l.logger.Info("session_stopped", "session_id", a.id)
	return nil
}

// endLocked discards the handle and stream and moves to INACTIVE.
func (l *Lifecycle) endLocked(reason string, err error) (StateChange, bool) {
	if l.current != nil {
		l.current.finish()
	}
	l.current = nil
	l.client = nil
	l.stream = nil
	l.sessionID = ""
	if l.state == StateInactive {
		return StateChange{}, false
	}
	change, terr := l.transitionLocked(StateInactive, reason, err)
	return change, terr == nil
}

func (l *Lifecycle) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	if l.stopTimeout > 0 {
		return context.WithTimeout(parent, l.stopTimeout)
	}
	return context.WithCancel(parent)
}

func (l *Lifecycle) dispatch(a *attempt) {
	events := a.client.Events()
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-events:
			if !ok {
				l.dispatchMu.Lock()
				if l.isCurrent(a) {
					l.disconnected(a, "event_stream_closed")
				}
				l.dispatchMu.Unlock()
				return
			}
			l.dispatchMu.Lock()
			if !l.isCurrent(a) {
				l.dispatchMu.Unlock()
				return
			}
			l.handle(a, ev)
			l.dispatchMu.Unlock()
		}
	}
}

func (l *Lifecycle) isCurrent(a *attempt) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current == a
}

// handle runs with dispatchMu held.
func (l *Lifecycle) handle(a *attempt, ev streaming.Event) {
	switch ev.Kind {
	case streaming.EventStreamReady:
		l.mu.Lock()
		if l.state != StateConnecting {
			l.mu.Unlock()
			break
		}
		stream := ev.Stream
		if stream == nil || stream.Empty() {
			stream = a.fallback
		}
		if stream != nil {
			cp := *stream
			l.stream = &cp
		}
		change, err := l.transitionLocked(StateConnected, "stream_ready", nil)
		l.mu.Unlock()
		if err == nil {
			l.notify(change)
			l.logger.Info("session_connected", "session_id", a.id)
		}
		a.settle(nil)
	case streaming.EventStreamDisconnected:
		l.disconnected(a, "stream_disconnected")
	}

	l.mu.Lock()
	list := append([]Handler(nil), l.handlers[ev.Kind]...)
	l.mu.Unlock()
	for _, h := range list {
		h(ev)
	}
}

// disconnected runs with dispatchMu held.
func (l *Lifecycle) disconnected(a *attempt, reason string) {
	err := errorsx.New(errorsx.ReasonConnect, "stream disconnected")
	l.mu.Lock()
	change, ok := l.endLocked(reason, err)
	l.mu.Unlock()
	if ok {
		l.notify(change)
	}
	a.settle(err)
	l.logger.Warn("session_disconnected", "session_id", a.id, "reason", reason)
}

// transitionLocked validates and applies a transition. Must be called with mu held.
func (l *Lifecycle) transitionLocked(to State, reason string, err error) (StateChange, error) {
	if !transitionValid(l.state, to) {
		return StateChange{}, &InvalidTransitionError{From: l.state, To: to}
	}
	change := StateChange{
		From:   l.state,
		To:     to,
		Reason: reason,
		Err:    err,
		Time:   time.Now(),
	}
	l.state = to
	return change, nil
}

func (l *Lifecycle) notify(change StateChange) {
	l.mu.Lock()
	listeners := make([]StateListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(change)
	}
}

// On registers a handler for a remote event kind. Handlers run in
// registration order, only for events of the current session.
func (l *Lifecycle) On(kind streaming.EventKind, h Handler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[kind] = append(l.handlers[kind], h)
}

// AddListener registers a listener for state change events.
func (l *Lifecycle) AddListener(listener StateListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stream returns a copy of the live media stream, or nil when not connected.
func (l *Lifecycle) Stream() *streaming.MediaStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil || l.state != StateConnected {
		return nil
	}
	cp := *l.stream
	return &cp
}

// Client returns the current session handle, or nil when INACTIVE.
func (l *Lifecycle) Client() streaming.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *Lifecycle) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// LastStopAck returns the stop acknowledgment channel of the most recently
// stopped session. Nil when the client cannot acknowledge stops.
func (l *Lifecycle) LastStopAck() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopAck
}

// connectedClient returns the handle when the session is CONNECTED.
func (l *Lifecycle) connectedClient() (streaming.Client, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected || l.current == nil {
		return nil, false
	}
	return l.client, true
}

// activeClient returns the handle when a session exists in any live state.
func (l *Lifecycle) activeClient() (streaming.Client, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateInactive || l.current == nil {
		return nil, false
	}
	return l.client, true
}
