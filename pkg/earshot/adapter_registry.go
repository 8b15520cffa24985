package earshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/providers/assemblyai"
	"github.com/harunnryd/earshot/pkg/providers/baidu"
	"github.com/harunnryd/earshot/pkg/providers/deepgram"
	"github.com/harunnryd/earshot/pkg/providers/google"
	"github.com/harunnryd/earshot/pkg/providers/mock"
	"github.com/harunnryd/earshot/pkg/providers/whisper"
	"github.com/harunnryd/earshot/pkg/providers/xunfei"
)

// AdapterFactory builds a cloud adapter from its free-form settings map.
type AdapterFactory func(settings map[string]any) (stt.Adapter, error)

type AdapterRegistry struct {
	factories map[string]AdapterFactory
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{factories: make(map[string]AdapterFactory)}
}

// DefaultAdapterRegistry knows every bundled vendor.
func DefaultAdapterRegistry() *AdapterRegistry {
	r := NewAdapterRegistry()
	r.Register(baidu.Name, baidu.NewFromSettings)
	r.Register(xunfei.Name, xunfei.NewFromSettings)
	r.Register(deepgram.Name, deepgram.NewFromSettings)
	r.Register(assemblyai.Name, assemblyai.NewFromSettings)
	r.Register(whisper.Name, whisper.NewFromSettings)
	r.Register(google.Name, google.NewFromSettings)
	r.Register(mock.Name, mock.NewFromSettings)
	return r
}

func (r *AdapterRegistry) Register(name string, factory AdapterFactory) {
	r.factories[normalizeProvider(name)] = factory
}

func (r *AdapterRegistry) Build(provider string, settings map[string]any) (stt.Adapter, error) {
	fn := r.factories[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(settings)
}

// Names lists the registered providers in sorted order.
func (r *AdapterRegistry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
