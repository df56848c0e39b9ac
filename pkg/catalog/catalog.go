// Package catalog holds the read-only avatar list and the session defaults
// used to build start requests.
package catalog

import (
	"fmt"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/streaming"
)

// Avatar is one selectable avatar.
type Avatar struct {
	ID          string `mapstructure:"avatar_id" json:"avatar_id"`
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	Gender      string `mapstructure:"gender" json:"gender,omitempty"`
	VoiceID     string `mapstructure:"voice_id" json:"voice_id"`
	// APIKeyEnv names the environment variable holding the upstream API key.
	APIKeyEnv string `mapstructure:"api_key_env" json:"-"`
}

type VoiceDefaults struct {
	Rate    float64 `mapstructure:"rate"`
	Emotion string  `mapstructure:"emotion"`
	Model   string  `mapstructure:"model"`
}

// Defaults are the session parameters shared by every avatar.
type Defaults struct {
	Quality            string        `mapstructure:"quality"`
	Language           string        `mapstructure:"language"`
	VoiceChatTransport string        `mapstructure:"voice_chat_transport"`
	STTProvider        string        `mapstructure:"stt_provider"`
	KnowledgeID        string        `mapstructure:"knowledge_id"`
	Voice              VoiceDefaults `mapstructure:"voice"`
}

// Catalog is an ordered avatar list plus defaults. It is not mutated after New.
type Catalog struct {
	avatars  []Avatar
	byID     map[string]int
	defaults Defaults
}

// New validates avatars and builds a catalog. IDs must be unique and non-empty.
func New(avatars []Avatar, defaults Defaults) (*Catalog, error) {
	c := &Catalog{
		avatars:  make([]Avatar, 0, len(avatars)),
		byID:     make(map[string]int, len(avatars)),
		defaults: defaults,
	}
	for i, a := range avatars {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("catalog: avatar %d has no avatar_id", i)
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate avatar_id %q", a.ID)
		}
		c.byID[a.ID] = len(c.avatars)
		c.avatars = append(c.avatars, a)
	}
	if _, err := ParseQuality(defaults.Quality); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

// Avatars returns the avatars in configured order.
func (c *Catalog) Avatars() []Avatar {
	out := make([]Avatar, len(c.avatars))
	copy(out, c.avatars)
	return out
}

func (c *Catalog) Defaults() Defaults {
	return c.defaults
}

func (c *Catalog) Find(id string) (Avatar, bool) {
	idx, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Avatar{}, false
	}
	return c.avatars[idx], true
}

// BuildStartRequest combines the avatar's voice with the shared defaults.
func (c *Catalog) BuildStartRequest(avatarID string) (streaming.StartRequest, error) {
	a, ok := c.Find(avatarID)
	if !ok {
		return streaming.StartRequest{}, errorsx.New(errorsx.ReasonUnknownAvatar, fmt.Sprintf("unknown avatar %q", avatarID))
	}
	quality, err := ParseQuality(c.defaults.Quality)
	if err != nil {
		return streaming.StartRequest{}, err
	}
	return streaming.StartRequest{
		Quality:     quality,
		AvatarName:  a.ID,
		KnowledgeID: c.defaults.KnowledgeID,
		Voice: streaming.VoiceSettings{
			VoiceID: a.VoiceID,
			Rate:    c.defaults.Voice.Rate,
			Emotion: c.defaults.Voice.Emotion,
			Model:   c.defaults.Voice.Model,
		},
		Language:           c.defaults.Language,
		VoiceChatTransport: c.defaults.VoiceChatTransport,
		STTProvider:        c.defaults.STTProvider,
	}, nil
}

// ParseQuality maps a configured tier to an AvatarQuality. Empty means medium.
func ParseQuality(s string) (streaming.AvatarQuality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return streaming.AvatarQualityMedium, nil
	case "low":
		return streaming.AvatarQualityLow, nil
	case "high":
		return streaming.AvatarQualityHigh, nil
	default:
		return "", fmt.Errorf("unknown avatar quality %q", s)
	}
}
