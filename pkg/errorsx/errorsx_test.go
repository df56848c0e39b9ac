package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonTokenFetch)
	if Reason(err) != ReasonTokenFetch {
		t.Fatalf("expected reason %s, got %s", ReasonTokenFetch, Reason(err))
	}
	if !HasReason(err, ReasonTokenFetch) {
		t.Fatalf("expected HasReason true")
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonCredential)
	second := Wrap(fmt.Errorf("start: %w", first), ReasonConnect)
	if Reason(second) != ReasonCredential {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonSend) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

func TestNewCarriesMessage(t *testing.T) {
	err := New(ReasonSessionInactive, "session is not connected")
	if err.Error() != "session_inactive: session is not connected" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !ReasonCredential.Fatal() || ReasonChannel.Fatal() {
		t.Fatalf("unexpected Fatal classification")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
