package configutil

import (
	"strings"
	"testing"
	"time"
)

type sample struct {
	ReadyDelay time.Duration `mapstructure:"ready_delay"`
	FailStart  bool          `mapstructure:"fail_start"`
	SessionURL string        `mapstructure:"session_url"`
}

func TestDecodeNormalizesKeys(t *testing.T) {
	var out sample
	err := Decode(map[string]any{
		"Ready-Delay": "250ms",
		"FAIL_START":  "true",
		"sessionUrl":  "wss://example.test/live",
	}, Schema{Optional: []string{"ready_delay", "fail_start", "session_url"}}, &out)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.ReadyDelay != 250*time.Millisecond || !out.FailStart || out.SessionURL != "wss://example.test/live" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestValidateReportsMissingAndUnknown(t *testing.T) {
	err := Validate(map[string]any{"session_url": " ", "bogus": 1}, Schema{
		Required: []string{"session_url"},
		Optional: []string{"ready_delay"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "missing: session_url") || !strings.Contains(err.Error(), "unknown: bogus") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAllowUnknown(t *testing.T) {
	if err := Validate(map[string]any{"anything": 1}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMillis(t *testing.T) {
	if Millis(-5) != 0 || Millis(1500) != 1500*time.Millisecond {
		t.Fatalf("unexpected millis conversion")
	}
}
