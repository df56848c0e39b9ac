package catalog

import (
	"testing"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

func testDefaults() Defaults {
	return Defaults{
		Quality:            "high",
		Language:           "zh",
		VoiceChatTransport: "websocket",
		STTProvider:        "deepgram",
		KnowledgeID:        "kb-1",
		Voice:              VoiceDefaults{Rate: 1.2, Emotion: "friendly", Model: "eleven_flash_v2_5"},
	}
}

func TestBuildStartRequestUsesAvatarVoiceAndDefaults(t *testing.T) {
	c, err := New([]Avatar{
		{ID: "june", Name: "June", VoiceID: "v-june"},
		{ID: "ann", Name: "Ann", VoiceID: "v-ann"},
	}, testDefaults())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	req, err := c.BuildStartRequest("ann")
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.AvatarName != "ann" || req.Voice.VoiceID != "v-ann" {
		t.Fatalf("unexpected avatar fields %+v", req)
	}
	if req.Quality != streaming.AvatarQualityHigh || req.Language != "zh" || req.STTProvider != "deepgram" {
		t.Fatalf("defaults not applied %+v", req)
	}
	if req.Voice.Rate != 1.2 || req.Voice.Model != "eleven_flash_v2_5" || req.KnowledgeID != "kb-1" {
		t.Fatalf("voice defaults not applied %+v", req)
	}
}

func TestUnknownAvatar(t *testing.T) {
	c, err := New([]Avatar{{ID: "june"}}, Defaults{})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	_, err = c.BuildStartRequest("nobody")
	if !errorsx.HasReason(err, errorsx.ReasonUnknownAvatar) {
		t.Fatalf("expected unknown_avatar, got %v", err)
	}
}

func TestNewRejectsDuplicatesAndBadQuality(t *testing.T) {
	if _, err := New([]Avatar{{ID: "a"}, {ID: "a"}}, Defaults{}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := New([]Avatar{{ID: ""}}, Defaults{}); err == nil {
		t.Fatalf("expected empty id error")
	}
	if _, err := New(nil, Defaults{Quality: "ultra"}); err == nil {
		t.Fatalf("expected quality error")
	}
}

func TestAvatarsKeepOrder(t *testing.T) {
	c, err := New([]Avatar{{ID: "b"}, {ID: "a"}, {ID: "c"}}, Defaults{})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	list := c.Avatars()
	if len(list) != 3 || list[0].ID != "b" || list[2].ID != "c" {
		t.Fatalf("unexpected order %+v", list)
	}
}
