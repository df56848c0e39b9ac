package avatarlink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avatarlink.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
avatars:
  - avatar_id: june
    name: June
    voice_id: v-june
    api_key_env: JUNE_KEY
  - avatar_id: ann
    name: Ann
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Streaming.Provider != "mock" {
		t.Fatalf("expected mock provider, got %q", cfg.Streaming.Provider)
	}
	if cfg.Upstream.CreateTokenPath != "/v1/streaming.create_token" {
		t.Fatalf("unexpected create token path %q", cfg.Upstream.CreateTokenPath)
	}
	if cfg.Server.TokenPath != "/api/get-access-token" || cfg.Server.WSPath != "/ws" {
		t.Fatalf("unexpected server paths %+v", cfg.Server)
	}
	if cfg.Defaults.Quality != "medium" || cfg.Defaults.Voice.Rate != 1.2 {
		t.Fatalf("unexpected defaults %+v", cfg.Defaults)
	}
	if len(cfg.Avatars) != 2 || cfg.Avatars[0].ID != "june" || cfg.Avatars[0].APIKeyEnv != "JUNE_KEY" {
		t.Fatalf("unexpected avatars %+v", cfg.Avatars)
	}

	s := cfg.Session.Settings()
	if s.SettleDelay != time.Second || !s.AwaitStopAck || s.StopAckTimeout != 5*time.Second {
		t.Fatalf("unexpected session settings %+v", s)
	}
	if s.ConnectTimeout != 0 {
		t.Fatalf("connect timeout should default to unbounded, got %s", s.ConnectTimeout)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("BASE_API_URL", "https://upstream.test")
	t.Setenv("AVATAR_REPLY", "hello")
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
streaming:
  provider: mock
  settings:
    reply: ${AVATAR_REPLY}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://upstream.test" {
		t.Fatalf("expected base url from env, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Streaming.Settings["reply"] != "hello" {
		t.Fatalf("expected expanded provider setting, got %v", cfg.Streaming.Settings["reply"])
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no avatars": `
streaming:
  provider: mock
`,
		"duplicate avatar": `
avatars:
  - avatar_id: june
  - avatar_id: june
`,
		"bad quality": minimalConfig + `
defaults:
  quality: ultra
`,
		"bad sample rate": minimalConfig + `
metrics:
  sample_rate: 2
`,
		"negative delay": minimalConfig + `
session:
  settle_delay_ms: -1
`,
	}
	for name, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		} else if !strings.Contains(err.Error(), "validate config") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
