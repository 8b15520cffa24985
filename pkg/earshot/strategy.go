package earshot

import (
	"context"
	"sync"

	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/recognition"
	"github.com/harunnryd/earshot/pkg/transports"
)

// Mode selects how a Recognizer picks its recognition strategy.
type Mode string

const (
	ModeNative Mode = "native"
	ModeCloud  Mode = "cloud"
	// ModeAuto prefers a native engine and falls back to the cloud adapter.
	ModeAuto Mode = "auto"
)

// NativeEngine is an on-device recognizer supplied by the embedder. It
// reports through emit using the same event vocabulary as the cloud path;
// the Recognizer stamps attempt ids on what it emits.
type NativeEngine interface {
	Name() string
	Available() bool
	Start(ctx context.Context, cfg recognition.Config, emit recognition.Emitter) error
	Stop(ctx context.Context)
	Abort()
	State() recognition.State
}

type strategy interface {
	name() string
	start(ctx context.Context, cfg recognition.Config) error
	stop(ctx context.Context)
	abort()
	state() recognition.State
	attempt() uint64
}

type cloudStrategy struct {
	session  *recognition.Session
	provider string
}

func (c *cloudStrategy) name() string { return "cloud:" + c.provider }

func (c *cloudStrategy) start(ctx context.Context, cfg recognition.Config) error {
	return c.session.Start(ctx, cfg)
}

func (c *cloudStrategy) stop(ctx context.Context)         { c.session.Stop(ctx) }
func (c *cloudStrategy) abort()                           { c.session.Abort() }
func (c *cloudStrategy) state() recognition.State         { return c.session.State() }
func (c *cloudStrategy) attempt() uint64                  { return c.session.Attempt() }
func (c *cloudStrategy) supports(m transports.Mode) error { return c.session.Supports(m) }

type nativeStrategy struct {
	engine NativeEngine
	emit   func(strategy, recognition.Event)

	mu  sync.Mutex
	seq uint64
}

func (n *nativeStrategy) name() string { return "native:" + n.engine.Name() }

func (n *nativeStrategy) start(ctx context.Context, cfg recognition.Config) error {
	if n.engine.State() != recognition.StateIdle {
		return nil
	}
	n.mu.Lock()
	n.seq++
	id := n.seq
	n.mu.Unlock()
	return n.engine.Start(ctx, cfg, recognition.EmitterFunc(func(ev recognition.Event) {
		ev.Attempt = id
		n.emit(n, ev)
	}))
}

func (n *nativeStrategy) stop(ctx context.Context) { n.engine.Stop(ctx) }
func (n *nativeStrategy) abort()                   { n.engine.Abort() }
func (n *nativeStrategy) state() recognition.State { return n.engine.State() }

func (n *nativeStrategy) attempt() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// selectStrategy resolves mode against what is available. The error carries
// NOT_SUPPORTED.
func selectStrategy(mode Mode, transport transports.Mode, native *nativeStrategy, cloud *cloudStrategy) (strategy, error) {
	nativeOK := native != nil && native.engine.Available()
	cloudErr := errorsx.New(errorsx.ReasonNotSupported, "earshot: no cloud adapter configured")
	if cloud != nil {
		cloudErr = cloud.supports(transport)
	}
	switch mode {
	case ModeNative:
		if nativeOK {
			return native, nil
		}
		return nil, errorsx.New(errorsx.ReasonNotSupported, "earshot: native recognition unavailable")
	case ModeCloud:
		if cloudErr != nil {
			return nil, cloudErr
		}
		return cloud, nil
	case ModeAuto, "":
		if nativeOK {
			return native, nil
		}
		if cloudErr != nil {
			return nil, errorsx.Wrap(cloudErr, errorsx.ReasonNotSupported)
		}
		return cloud, nil
	default:
		return nil, errorsx.New(errorsx.ReasonNotSupported, "earshot: unknown mode %q", mode)
	}
}
