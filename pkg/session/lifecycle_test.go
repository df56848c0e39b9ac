package session

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/streaming"
	"github.com/harunnryd/avatarlink/pkg/streaming/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) OnStateChange(change StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *stateRecorder) list() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

// stubClient keeps its event channel open across Stop.
type stubClient struct {
	events chan streaming.Event
	stops  atomic.Int32
}

func newStubClient() *stubClient {
	return &stubClient{events: make(chan streaming.Event, 16)}
}

func (s *stubClient) Start(ctx context.Context, req streaming.StartRequest) (streaming.MediaStream, error) {
	stream := streaming.MediaStream{SessionID: "stub", URL: "wss://stub"}
	s.events <- streaming.Event{Kind: streaming.EventStreamReady}
	return stream, nil
}

func (s *stubClient) Stop(ctx context.Context) error {
	s.stops.Add(1)
	return nil
}

func (s *stubClient) Speak(ctx context.Context, req streaming.SpeakRequest) error { return nil }

func (s *stubClient) StartVoiceChat(ctx context.Context, opts streaming.VoiceChatOptions) error {
	return nil
}

func (s *stubClient) CloseVoiceChat(ctx context.Context) error { return nil }

func (s *stubClient) MuteInputAudio(ctx context.Context) error { return nil }

func (s *stubClient) UnmuteInputAudio(ctx context.Context) error { return nil }

func (s *stubClient) Interrupt(ctx context.Context) error { return nil }

func (s *stubClient) Events() <-chan streaming.Event { return s.events }

func newMockClient(t *testing.T, cfg mock.Config) *mock.Client {
	t.Helper()
	client, err := mock.New("token-123", cfg)
	if err != nil {
		t.Fatalf("mock client: %v", err)
	}
	return client
}

func TestInitSessionRejectsEmptyToken(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{Factory: mock.NewFactory(mock.Config{})})
	if _, err := lc.InitSession("  "); !errorsx.HasReason(err, errorsx.ReasonCredential) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if lc.State() != StateInactive {
		t.Fatalf("init must not change state")
	}
}

func TestStartSessionConnectsAndPublishesStream(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	rec := &stateRecorder{}
	lc.AddListener(rec)
	client := newMockClient(t, mock.Config{AutoReady: true, SessionURL: "wss://media"})

	if err := lc.StartSession(context.Background(), client, streaming.StartRequest{AvatarName: "june"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if lc.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", lc.State())
	}
	stream := lc.Stream()
	if stream == nil || stream.URL != "wss://media" {
		t.Fatalf("expected published stream, got %+v", stream)
	}
	if lc.SessionID() == "" || lc.Client() == nil {
		t.Fatalf("expected session id and handle")
	}
	changes := rec.list()
	if len(changes) != 2 || changes[0].To != StateConnecting || changes[1].To != StateConnected {
		t.Fatalf("unexpected transitions %+v", changes)
	}
}

func TestStartSessionWhileActiveCreatesNoSecondHandle(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	first := newMockClient(t, mock.Config{AutoReady: true})
	second := newMockClient(t, mock.Config{AutoReady: true})

	if err := lc.StartSession(context.Background(), first, streaming.StartRequest{}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := lc.StartSession(context.Background(), second, streaming.StartRequest{}); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if len(second.Calls().Starts) != 0 {
		t.Fatalf("second handle must not be started")
	}
	if lc.Client() != streaming.Client(first) {
		t.Fatalf("expected first handle retained")
	}
}

func TestStartFailureFallsBackToInactive(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	client := newMockClient(t, mock.Config{StartErr: errors.New("rejected")})

	err := lc.StartSession(context.Background(), client, streaming.StartRequest{})
	if !errorsx.HasReason(err, errorsx.ReasonConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if lc.State() != StateInactive || lc.Client() != nil || lc.Stream() != nil {
		t.Fatalf("expected released handle in INACTIVE")
	}
	if client.Calls().Stops != 1 {
		t.Fatalf("expected best-effort release, got %d stops", client.Calls().Stops)
	}
}

func TestConnectTimeoutFallsBackToInactive(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{ConnectTimeout: 20 * time.Millisecond})
	client := newMockClient(t, mock.Config{AutoReady: false})

	err := lc.StartSession(context.Background(), client, streaming.StartRequest{})
	if !errorsx.HasReason(err, errorsx.ReasonConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if lc.State() != StateInactive {
		t.Fatalf("expected INACTIVE, got %s", lc.State())
	}
}

func TestStopWhileConnectingUnblocksStart(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	client := newMockClient(t, mock.Config{AutoReady: false})

	done := make(chan error, 1)
	go func() {
		done <- lc.StartSession(context.Background(), client, streaming.StartRequest{})
	}()
	waitFor(t, "CONNECTING", func() bool { return lc.State() == StateConnecting })

	if err := lc.StopSession(context.Background()); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	select {
	case err := <-done:
		if !errorsx.HasReason(err, errorsx.ReasonConnect) {
			t.Fatalf("expected connect error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after stop")
	}
	if lc.State() != StateInactive {
		t.Fatalf("expected INACTIVE, got %s", lc.State())
	}
}

func TestDisconnectEventResetsToInactive(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	rec := &stateRecorder{}
	lc.AddListener(rec)
	client := newMockClient(t, mock.Config{AutoReady: true})
	if err := lc.StartSession(context.Background(), client, streaming.StartRequest{}); err != nil {
		t.Fatalf("start session: %v", err)
	}

	client.Emit(streaming.Event{Kind: streaming.EventStreamDisconnected})
	waitFor(t, "INACTIVE", func() bool {
		changes := rec.list()
		return len(changes) == 3 && changes[2].To == StateInactive
	})

	if lc.Client() != nil || lc.Stream() != nil {
		t.Fatalf("expected handle discarded on disconnect")
	}
	changes := rec.list()
	last := changes[len(changes)-1]
	if last.To != StateInactive || !errorsx.HasReason(last.Err, errorsx.ReasonConnect) {
		t.Fatalf("expected connect error on disconnect transition, got %+v", last)
	}
}

func TestStopSessionIsUnconditional(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	client := newMockClient(t, mock.Config{AutoReady: true, StopErr: errors.New("remote gone")})
	if err := lc.StartSession(context.Background(), client, streaming.StartRequest{}); err != nil {
		t.Fatalf("start session: %v", err)
	}

	err := lc.StopSession(context.Background())
	if err == nil {
		t.Fatalf("expected remote stop failure to be reported")
	}
	if lc.State() != StateInactive {
		t.Fatalf("expected INACTIVE despite stop failure, got %s", lc.State())
	}
	if err := lc.StopSession(context.Background()); err != nil {
		t.Fatalf("stop when inactive should be a no-op, got %v", err)
	}
}

func TestFailedStopsReleaseDispatchers(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	// Let goroutines from earlier tests settle before sampling.
	time.Sleep(20 * time.Millisecond)
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		client := newMockClient(t, mock.Config{AutoReady: true, StopErr: errors.New("remote gone")})
		if err := lc.StartSession(context.Background(), client, streaming.StartRequest{}); err != nil {
			t.Fatalf("start session %d: %v", i, err)
		}
		if err := lc.StopSession(context.Background()); err == nil {
			t.Fatalf("expected stop %d to report the remote failure", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	after := runtime.NumGoroutine()
	for after > before+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		after = runtime.NumGoroutine()
	}
	if after > before+2 {
		t.Fatalf("dispatch goroutines outlived their sessions: before=%d after=%d", before, after)
	}
}

func TestEventsAfterStopAreDropped(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	var handled atomic.Int32
	lc.On(streaming.EventAvatarTalkingMessage, func(streaming.Event) { handled.Add(1) })

	client := newStubClient()
	if err := lc.StartSession(context.Background(), client, streaming.StartRequest{}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	client.events <- streaming.Event{Kind: streaming.EventAvatarTalkingMessage, Text: "live"}
	waitFor(t, "live event", func() bool { return handled.Load() == 1 })

	if err := lc.StopSession(context.Background()); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	client.events <- streaming.Event{Kind: streaming.EventAvatarTalkingMessage, Text: "stale"}
	time.Sleep(20 * time.Millisecond)

	if handled.Load() != 1 {
		t.Fatalf("stale event reached handler")
	}
	if client.stops.Load() != 1 {
		t.Fatalf("expected one remote stop, got %d", client.stops.Load())
	}
}

func TestStopAckIsExposed(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	client := newMockClient(t, mock.Config{AutoReady: true, AckStop: true})
	if err := lc.StartSession(context.Background(), client, streaming.StartRequest{}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := lc.StopSession(context.Background()); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	ack := lc.LastStopAck()
	if ack == nil {
		t.Fatalf("expected stop ack channel")
	}
	select {
	case <-ack:
	default:
		t.Fatalf("expected ack closed after stop")
	}
}

func TestInvalidTransition(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{})
	lc.mu.Lock()
	_, err := lc.transitionLocked(StateConnected, "skip", nil)
	lc.mu.Unlock()
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StateInactive || invalid.To != StateConnected {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}
