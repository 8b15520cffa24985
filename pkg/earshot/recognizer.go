// Package earshot is the public entry point: a Recognizer picks a native or
// cloud strategy, runs recognition attempts and delivers their events to
// registered handlers.
package earshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
	"github.com/harunnryd/earshot/pkg/recognition"
	"github.com/harunnryd/earshot/pkg/redact"
	"github.com/harunnryd/earshot/pkg/resilience"
	"github.com/harunnryd/earshot/pkg/transports"
	"github.com/harunnryd/earshot/pkg/transports/coder"
	"github.com/harunnryd/earshot/pkg/transports/gorilla"
)

type (
	Event       = recognition.Event
	EventType   = recognition.EventType
	StateChange = recognition.StateChange
)

const (
	EventStart       = recognition.EventStart
	EventEnd         = recognition.EventEnd
	EventResult      = recognition.EventResult
	EventError       = recognition.EventError
	EventSoundStart  = recognition.EventSoundStart
	EventSoundEnd    = recognition.EventSoundEnd
	EventSpeechStart = recognition.EventSpeechStart
	EventSpeechEnd   = recognition.EventSpeechEnd
	EventAudioStart  = recognition.EventAudioStart
	EventAudioEnd    = recognition.EventAudioEnd
)

// Handler receives events on the dispatcher goroutine.
type Handler func(Event)

// ListenerID identifies a handler registered with On.
type ListenerID uint64

var (
	ErrDisposed       = errors.New("earshot: recognizer disposed")
	ErrNotInitialized = errors.New("earshot: recognizer not initialized")
)

type options struct {
	log      *slog.Logger
	obs      metrics.Observer
	dialer   transports.Dialer
	source   audio.Source
	adapter  stt.Adapter
	registry *AdapterRegistry
	native   NativeEngine
}

type Option func(*options)

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.obs = obs }
}

// WithDialer overrides the socket library chosen by socket.library.
func WithDialer(d transports.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithSource(src audio.Source) Option {
	return func(o *options) { o.source = src }
}

// WithAdapter bypasses the registry; adapter.provider is then ignored.
func WithAdapter(a stt.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

func WithRegistry(r *AdapterRegistry) Option {
	return func(o *options) { o.registry = r }
}

func WithNativeStrategy(engine NativeEngine) Option {
	return func(o *options) { o.native = engine }
}

type listener struct {
	id ListenerID
	fn Handler
}

// Recognizer is safe for concurrent use. Handlers run one at a time on a
// dedicated goroutine, in emission order.
type Recognizer struct {
	opts options
	log  *slog.Logger
	obs  metrics.Observer
	disp *dispatcher

	mu          sync.Mutex
	cfg         Config
	initialized bool
	disposed    bool
	cloud       *cloudStrategy
	native      *nativeStrategy
	active      strategy
	listeners   map[EventType][]listener
	nextID      ListenerID
	muted       map[strategy]uint64
}

func New(opts ...Option) *Recognizer {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.obs == nil {
		o.obs = metrics.NoopObserver{}
	}
	if o.registry == nil {
		o.registry = DefaultAdapterRegistry()
	}
	r := &Recognizer{
		opts:      o,
		log:       logging.NewComponentLogger(o.log, "recognizer"),
		obs:       o.obs,
		listeners: make(map[EventType][]listener),
		muted:     make(map[strategy]uint64),
	}
	r.disp = newDispatcher(r.deliver)
	if o.native != nil {
		r.native = &nativeStrategy{engine: o.native, emit: r.enqueue}
	}
	return r
}

// Initialize applies cfg and builds the cloud strategy. Calling it again
// aborts any running attempt and rebuilds from the new configuration.
func (r *Recognizer) Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev.state() != recognition.StateIdle {
		r.Abort()
	}

	redact.SetEnabled(cfg.Privacy.RedactPII)
	cloud, err := r.buildCloud(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.cfg = cfg
	r.cloud = cloud
	r.active = nil
	r.initialized = true

	provider := ""
	if cloud != nil {
		provider = cloud.provider
	}
	r.log.Info("recognizer_initialized",
		slog.String("mode", string(cfg.Mode)),
		slog.String("transport", cfg.Transport),
		slog.String("provider", provider),
		slog.Bool("native", r.native != nil),
	)
	return nil
}

func (r *Recognizer) buildCloud(cfg Config) (*cloudStrategy, error) {
	adapter := r.opts.adapter
	if adapter == nil && strings.TrimSpace(cfg.Adapter.Provider) != "" {
		built, err := r.opts.registry.Build(cfg.Adapter.Provider, cfg.Adapter.Settings)
		if err != nil {
			return nil, fmt.Errorf("build adapter: %w", err)
		}
		adapter = built
	}
	if adapter == nil {
		return nil, nil
	}

	obs := r.obs
	if rate := cfg.Observability.FrameSampling; rate > 0 && rate < 1 {
		obs = metrics.NewSamplingObserver(obs, rate, metrics.EventFrameSent, metrics.EventFrameQueued)
	}
	var breaker *resilience.CircuitBreaker
	if cfg.Batch.BreakerThreshold > 0 {
		breaker = resilience.NewCircuitBreaker(cfg.Batch.BreakerThreshold, cfg.Batch.BreakerCooldown)
	}

	cs := &cloudStrategy{provider: adapter.Name()}
	cs.session = recognition.NewSession(recognition.Options{
		Adapter: adapter,
		Dialer:  r.dialerFor(cfg.Socket),
		Source:  r.opts.source,
		Emitter: recognition.EmitterFunc(func(ev Event) {
			r.enqueue(cs, ev)
		}),
		Breaker:  breaker,
		Logger:   r.opts.log,
		Observer: obs,
	})
	return cs, nil
}

func (r *Recognizer) dialerFor(sc SocketConfig) transports.Dialer {
	if r.opts.dialer != nil {
		return r.opts.dialer
	}
	switch strings.ToLower(strings.TrimSpace(sc.Library)) {
	case SocketCoder:
		return coder.NewDialer(coder.WithReadLimit(sc.ReadLimit))
	default:
		return gorilla.NewDialer(sc.HandshakeTimeout)
	}
}

// Start begins a recognition attempt. Only synchronous validation errors are
// returned: ErrDisposed, ErrNotInitialized, or a NOT_SUPPORTED error when no
// strategy can serve the request. Everything later arrives as an error event.
// Start while an attempt is running is a no-op.
func (r *Recognizer) Start(ctx context.Context, opts *StartOptions) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	if r.active != nil && r.active.state() != recognition.StateIdle {
		r.mu.Unlock()
		r.log.Debug("recognizer_start_ignored")
		return nil
	}
	cfg := opts.apply(r.cfg)
	transport, err := transports.ParseMode(cfg.Transport)
	if err != nil {
		r.mu.Unlock()
		return errorsx.Wrap(err, errorsx.ReasonNotSupported)
	}
	s, err := selectStrategy(cfg.Mode, transport, r.native, r.cloud)
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("recognizer_no_strategy", slog.String("mode", string(cfg.Mode)), slog.String("error", err.Error()))
		return err
	}
	r.active = s
	r.mu.Unlock()

	r.log.Debug("recognizer_start", slog.String("strategy", s.name()))
	return s.start(ctx, cfg.Recognition())
}

// Stop asks the running attempt to finish and deliver its last results.
func (r *Recognizer) Stop(ctx context.Context) {
	if s := r.current(); s != nil {
		s.stop(ctx)
	}
}

// Abort ends the running attempt at once. Results still queued for delivery
// are discarded.
func (r *Recognizer) Abort() {
	s := r.current()
	if s == nil {
		return
	}
	r.mu.Lock()
	r.muted[s] = s.attempt()
	r.mu.Unlock()
	s.abort()
}

// IsListening reports whether an attempt is connecting, recording or
// waiting for its batch result.
func (r *Recognizer) IsListening() bool {
	s := r.current()
	return s != nil && s.state() != recognition.StateIdle
}

// State is the state of the running strategy, idle when there is none.
func (r *Recognizer) State() recognition.State {
	if s := r.current(); s != nil {
		return s.state()
	}
	return recognition.StateIdle
}

func (r *Recognizer) current() strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	return r.active
}

// On registers fn for events of type typ. It returns 0 after Dispose.
func (r *Recognizer) On(typ EventType, fn Handler) ListenerID {
	if fn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return 0
	}
	r.nextID++
	id := r.nextID
	r.listeners[typ] = append(r.listeners[typ], listener{id: id, fn: fn})
	return id
}

// Off removes the handler registered under id for typ.
func (r *Recognizer) Off(typ EventType, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[typ]
	for i, l := range list {
		if l.id == id {
			r.listeners[typ] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Dispose aborts the running attempt, drops every handler and stops the
// dispatcher. The Recognizer cannot be used afterwards.
func (r *Recognizer) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	// Listeners go first so the aborted attempt's tail never reaches them.
	s := r.active
	if s != nil {
		r.muted[s] = s.attempt()
	}
	r.disposed = true
	r.listeners = make(map[EventType][]listener)
	r.active = nil
	r.cloud = nil
	r.mu.Unlock()
	if s != nil {
		s.abort()
	}
	r.disp.close()
	r.log.Info("recognizer_disposed")
}

func (r *Recognizer) enqueue(src strategy, ev Event) {
	r.disp.push(dispatchItem{src: src, ev: ev})
}

func (r *Recognizer) deliver(item dispatchItem) {
	ev := item.ev
	r.mu.Lock()
	if ev.Type == EventResult {
		if last, ok := r.muted[item.src]; ok && ev.Attempt <= last {
			r.mu.Unlock()
			return
		}
	}
	list := append([]listener(nil), r.listeners[ev.Type]...)
	r.mu.Unlock()

	for _, l := range list {
		r.call(l, ev)
	}
}

func (r *Recognizer) call(l listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("recognizer_handler_panic",
				slog.String("event", string(ev.Type)),
				slog.Uint64("listener", uint64(l.id)),
				slog.Any("panic", rec),
			)
		}
	}()
	l.fn(ev)
}
