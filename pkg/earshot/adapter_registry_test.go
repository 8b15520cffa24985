package earshot

import (
	"reflect"
	"testing"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
)

func TestDefaultRegistryKnowsBundledVendors(t *testing.T) {
	want := []string{"assemblyai", "baidu", "deepgram", "google", "mock", "whisper", "xunfei"}
	if got := DefaultAdapterRegistry().Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestRegistryBuild(t *testing.T) {
	r := DefaultAdapterRegistry()
	a, err := r.Build(" Mock ", nil)
	if err != nil {
		t.Fatalf("build mock: %v", err)
	}
	caps := stt.Resolve(a)
	if !caps.SupportsStreaming() || !caps.SupportsBatch() {
		t.Fatalf("mock adapter must support both transports")
	}
	if _, err := r.Build("nope", nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if _, err := r.Build("deepgram", map[string]any{}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
}
