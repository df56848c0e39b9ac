package avatarlink

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/streaming"
	"github.com/harunnryd/avatarlink/pkg/streaming/mock"
)

// StreamingFactoryBuilder turns provider settings from config into a client
// factory.
type StreamingFactoryBuilder func(settings map[string]any) (streaming.Factory, error)

type ProviderRegistry struct {
	streaming map[string]StreamingFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{streaming: make(map[string]StreamingFactoryBuilder)}
}

// DefaultProviders registers the built-in in-memory client as "mock".
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterStreaming("mock", mock.FactoryFromSettings)
	return r
}

func (r *ProviderRegistry) RegisterStreaming(name string, builder StreamingFactoryBuilder) {
	r.streaming[normalizeProvider(name)] = builder
}

func (r *ProviderRegistry) BuildStreamingFactory(provider string, settings map[string]any) (streaming.Factory, error) {
	fn := r.streaming[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("streaming provider not registered: %s", provider)
	}
	factory, err := fn(settings)
	if err != nil {
		return nil, fmt.Errorf("streaming provider %s: %w", provider, err)
	}
	return factory, nil
}

// Streaming lists the registered provider names.
func (r *ProviderRegistry) Streaming() []string {
	out := make([]string, 0, len(r.streaming))
	for name := range r.streaming {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
