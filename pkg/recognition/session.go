// Package recognition runs cloud speech recognition attempts: it wires the
// audio source through the frame processor into a transport and turns what
// comes back into ordered session events.
package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/frames"
	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
	"github.com/harunnryd/earshot/pkg/redact"
	"github.com/harunnryd/earshot/pkg/resilience"
	"github.com/harunnryd/earshot/pkg/transports"
)

// AudioConfig controls capture and voice activity detection.
type AudioConfig struct {
	SampleRate       int
	VADThreshold     float64
	VADDuration      time.Duration
	FrameSize        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Config is the per-attempt recognition configuration.
type Config struct {
	Lang            string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
	Transport       transports.Mode

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ConnectTimeout       time.Duration
	FinishWait           time.Duration
	QueueCap             int

	Retry resilience.RetryPolicy
	Audio AudioConfig
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Lang:                 "zh-CN",
		InterimResults:       true,
		MaxAlternatives:      1,
		Transport:            transports.ModeWebSocket,
		AutoReconnect:        true,
		MaxReconnectAttempts: transports.DefaultMaxReconnectAttempts,
		ReconnectInterval:    transports.DefaultReconnectInterval,
		ConnectTimeout:       transports.DefaultConnectTimeout,
		QueueCap:             transports.DefaultQueueCap,
		Audio: AudioConfig{
			SampleRate:       audio.DefaultSampleRate,
			VADThreshold:     audio.DefaultVADThreshold,
			VADDuration:      audio.DefaultVADSilence,
			FrameSize:        audio.DefaultFrameSize,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = transports.ModeWebSocket
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = audio.DefaultSampleRate
	}
	return c
}

// Options are the collaborators of a Session.
type Options struct {
	Adapter stt.Adapter
	Dialer  transports.Dialer
	Source  audio.Source
	Emitter Emitter
	// Breaker guards batch uploads across attempts. Nil disables it.
	Breaker  *resilience.CircuitBreaker
	Logger   *slog.Logger
	Observer metrics.Observer
}

type attempt struct {
	id        uint64
	sessionID string
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	stream    *transports.StreamSession
	batch     *transports.BatchSession
	tr        transports.Transport
	proc      *audio.FrameProcessor
	tags      map[string]string

	// guarded by Session.mu
	capturing bool
	stopping  bool

	// Blocks pushed before the processor is configured wait in early.
	pushMu sync.Mutex
	ready  bool
	early  [][]float32

	// guarded by Session.emitMu
	speech bool
	audio  bool
	muted  bool
	ended  bool
}

// Session runs one recognition attempt at a time against one adapter.
type Session struct {
	caps    stt.Capabilities
	dialer  transports.Dialer
	source  audio.Source
	emitter Emitter
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
	obs     metrics.Observer

	mu        sync.Mutex
	state     State
	cur       *attempt
	seq       uint64
	listeners []StateListener

	emitMu sync.Mutex
}

func NewSession(opts Options) *Session {
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = EmitterFunc(func(Event) {})
	}
	return &Session{
		caps:    stt.Resolve(opts.Adapter),
		dialer:  opts.Dialer,
		source:  opts.Source,
		emitter: emitter,
		breaker: opts.Breaker,
		log:     logging.NewComponentLogger(opts.Logger, "recognition"),
		obs:     obs,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt is the id of the latest Start, zero before the first.
func (s *Session) Attempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) AddListener(l StateListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Supports reports whether the adapter and collaborators can run mode. The
// error carries NOT_SUPPORTED.
func (s *Session) Supports(mode transports.Mode) error {
	if s.caps.Adapter == nil {
		return errorsx.New(errorsx.ReasonNotSupported, "recognition: no adapter")
	}
	if s.source == nil {
		return errorsx.New(errorsx.ReasonNotSupported, "recognition: no audio source")
	}
	switch mode {
	case transports.ModeWebSocket:
		if !s.caps.SupportsStreaming() {
			return errorsx.New(errorsx.ReasonNotSupported, "recognition: %s does not stream", s.caps.Name())
		}
		if s.dialer == nil {
			return errorsx.New(errorsx.ReasonNotSupported, "recognition: no websocket dialer")
		}
	case transports.ModeHTTP:
		if !s.caps.SupportsBatch() {
			return errorsx.New(errorsx.ReasonNotSupported, "recognition: %s has no batch endpoint", s.caps.Name())
		}
	default:
		return errorsx.New(errorsx.ReasonNotSupported, "recognition: unknown transport %q", mode)
	}
	return nil
}

// Start begins an attempt. It returns an error only when the configuration
// cannot run at all; everything later is reported through events. Start is
// a no-op unless the session is idle, and blocks until the transport is
// open or the attempt has failed.
func (s *Session) Start(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	if err := s.Supports(cfg.Transport); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.log.Debug("stt_start_ignored", slog.String("state", s.state.String()))
		return nil
	}
	s.seq++
	at := s.newAttempt(ctx, s.seq, cfg)
	s.cur = at
	ch, moved := s.transitionLocked(at, TriggerStart)
	s.mu.Unlock()
	s.notify(ch, moved)

	s.log.Info("stt_session_start",
		slog.String("session_id", at.sessionID),
		slog.String("provider", s.caps.Name()),
		slog.String("transport", string(cfg.Transport)),
		slog.String("lang", cfg.Lang),
	)
	metrics.Record(s.obs, metrics.EventSessionStart, 1, at.tags, nil)

	if at.stream != nil {
		if err := at.stream.Connect(ctx); err != nil {
			s.connectFailed(at, err)
			return nil
		}
	}

	s.mu.Lock()
	if s.cur != at || s.state != StateConnecting {
		s.mu.Unlock()
		at.tr.Abort()
		return nil
	}
	ch, moved = s.transitionLocked(at, TriggerOpen)
	s.mu.Unlock()
	s.notify(ch, moved)
	s.emit(at, EventStart, nil, nil)

	if err := s.startCapture(at); err != nil {
		s.teardown(at, TriggerAbort, err)
	}
	return nil
}

func (s *Session) newAttempt(parent context.Context, id uint64, cfg Config) *attempt {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	at := &attempt{
		id:        id,
		sessionID: uuid.NewString(),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	at.tags = metrics.WithTags(nil,
		metrics.TagSessionID, at.sessionID,
		metrics.TagProvider, s.caps.Name(),
		metrics.TagTransport, string(cfg.Transport),
	)
	opts := stt.SessionOptions{
		SessionID:       at.sessionID,
		Lang:            cfg.Lang,
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        audio.DefaultChannels,
		InterimResults:  cfg.InterimResults,
		MaxAlternatives: cfg.MaxAlternatives,
		Continuous:      cfg.Continuous,
	}
	switch cfg.Transport {
	case transports.ModeHTTP:
		at.batch = transports.NewBatchSession(s.caps, transports.BatchConfig{
			Options: opts,
			Retry:   cfg.Retry,
			Breaker: s.breaker,
		}, s.log, s.obs)
		at.tr = at.batch
	default:
		at.stream = transports.NewStreamSession(s.caps, s.dialer, transports.StreamConfig{
			AutoReconnect:        cfg.AutoReconnect,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectInterval:    cfg.ReconnectInterval,
			ConnectTimeout:       cfg.ConnectTimeout,
			FinishWait:           cfg.FinishWait,
			QueueCap:             cfg.QueueCap,
			Options:              opts,
		}, transports.StreamHooks{
			OnResult:       func(res stt.Result) { s.onResult(at, res) },
			OnError:        func(err error) { s.onVendorError(at, err) },
			OnReconnecting: func(n int) { s.onReconnecting(at, n) },
			OnReconnected:  func() { s.onReconnected(at) },
			OnLost:         func(err error) { s.teardown(at, TriggerConnectionLost, err) },
		}, s.log, s.obs)
		at.tr = at.stream
	}
	at.proc = audio.NewFrameProcessor(audio.ProcessorHooks{
		OnFrame:          func(f frames.AudioFrame) { at.tr.SendFrame(f) },
		OnVoiceStart:     func() { s.voiceStarted(at) },
		OnSilenceTimeout: func() { go s.finish(context.Background(), at, TriggerVADTimeout) },
	})
	return at
}

func (s *Session) startCapture(at *attempt) error {
	a := at.cfg.Audio
	rate, err := s.source.Start(at.ctx, audio.Constraints{
		SampleRate:       a.SampleRate,
		EchoCancellation: a.EchoCancellation,
		NoiseSuppression: a.NoiseSuppression,
		AutoGainControl:  a.AutoGainControl,
	}, at.push)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotAllowed)
	}
	if err := at.proc.Configure(audio.ProcessorConfig{
		SourceRate:   rate,
		TargetRate:   a.SampleRate,
		VADThreshold: a.VADThreshold,
		VADSilence:   a.VADDuration,
		FrameSize:    a.FrameSize,
	}); err != nil {
		_ = s.source.Stop()
		return errorsx.Wrap(err, errorsx.ReasonUnknown)
	}
	_ = at.proc.SetRecording(true)

	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		_ = s.source.Stop()
		_ = at.proc.SetRecording(false)
		return nil
	}
	at.capturing = true
	s.mu.Unlock()
	s.emit(at, EventAudioStart, nil, nil)
	at.release()
	return nil
}

// maxEarlyBlocks bounds what a source may push before Start returns.
const maxEarlyBlocks = 64

// push is the BlockFunc handed to the source. It may run before the
// processor knows the source rate; those blocks are held until release.
func (at *attempt) push(block []float32) {
	at.pushMu.Lock()
	defer at.pushMu.Unlock()
	if !at.ready {
		if len(at.early) < maxEarlyBlocks {
			at.early = append(at.early, append([]float32(nil), block...))
		}
		return
	}
	at.proc.Process(block)
}

func (at *attempt) release() {
	at.pushMu.Lock()
	defer at.pushMu.Unlock()
	at.ready = true
	for _, b := range at.early {
		at.proc.Process(b)
	}
	at.early = nil
}

// stopCapture releases the source and flushes the partial frame into the
// transport.
func (s *Session) stopCapture(at *attempt) {
	s.mu.Lock()
	capturing := at.capturing
	at.capturing = false
	s.mu.Unlock()
	if !capturing {
		return
	}
	if err := s.source.Stop(); err != nil {
		s.log.Debug("stt_source_stop_failed", slog.String("error", err.Error()))
	}
	_ = at.proc.SetRecording(false)
}

// Stop ends the current attempt the way a VAD timeout would: websocket
// attempts close the stream, HTTP attempts upload the recording and wait
// for the answer.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	at := s.cur
	s.mu.Unlock()
	if at != nil {
		s.finish(ctx, at, TriggerStop)
	}
}

func (s *Session) finish(ctx context.Context, at *attempt, trig Trigger) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.cur != at || at.stopping {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateConnecting:
		ch, moved := s.transitionLocked(at, trig)
		if s.state != StateIdle {
			s.mu.Unlock()
			return
		}
		s.cur = nil
		s.mu.Unlock()
		s.notify(ch, moved)
		at.tr.Abort()
		at.cancel()
		s.emit(at, EventEnd, nil, nil)
		return
	case StateRecording:
	default:
		s.mu.Unlock()
		return
	}
	at.stopping = true
	if at.batch != nil {
		s.finishBatch(ctx, at, trig)
		return
	}
	s.mu.Unlock()

	s.log.Info("stt_session_stopping", slog.String("session_id", at.sessionID), slog.String("trigger", trig.String()))
	s.stopCapture(at)
	if err := at.stream.Close(ctx); err != nil {
		s.log.Debug("stt_finish_failed", slog.String("error", err.Error()))
	}
	at.cancel()

	s.mu.Lock()
	ch, moved := StateChange{}, false
	if s.cur == at {
		ch, moved = s.transitionLocked(at, trig)
		s.cur = nil
	}
	s.mu.Unlock()
	s.notify(ch, moved)
	s.emitTail(at)
	s.emit(at, EventEnd, nil, nil)
}

// finishBatch runs with s.mu held and releases it.
func (s *Session) finishBatch(ctx context.Context, at *attempt, trig Trigger) {
	ch, moved := s.transitionLocked(at, trig)
	s.mu.Unlock()
	s.notify(ch, moved)

	s.stopCapture(at)
	s.emitTail(at)
	res, err := at.batch.Submit(ctx)
	at.cancel()

	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		return
	}
	ch, moved = s.transitionLocked(at, TriggerBatchDone)
	s.cur = nil
	s.mu.Unlock()
	s.notify(ch, moved)

	switch {
	case errors.Is(err, transports.ErrAborted):
	case err != nil:
		s.emit(at, EventError, nil, err)
	case res != nil:
		out := res.Limit(at.cfg.MaxAlternatives)
		s.emitResult(at, out)
	}
	s.emit(at, EventEnd, nil, nil)
}

// Abort tears the current attempt down at once. No result is emitted
// afterwards.
func (s *Session) Abort() {
	s.mu.Lock()
	at := s.cur
	if at == nil {
		s.mu.Unlock()
		return
	}
	ch, moved := s.transitionLocked(at, TriggerAbort)
	s.cur = nil
	s.mu.Unlock()
	s.notify(ch, moved)

	s.emitMu.Lock()
	at.muted = true
	s.emitMu.Unlock()

	at.tr.Abort()
	s.stopCapture(at)
	at.cancel()
	s.log.Info("stt_session_aborted", slog.String("session_id", at.sessionID))
	s.emitTail(at)
	s.emit(at, EventEnd, nil, nil)
}

// teardown ends at after a failure: error, tail events, end.
func (s *Session) teardown(at *attempt, trig Trigger, cause error) {
	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		return
	}
	ch, moved := s.transitionLocked(at, trig)
	s.cur = nil
	s.mu.Unlock()
	s.notify(ch, moved)

	at.tr.Abort()
	s.stopCapture(at)
	at.cancel()
	if cause != nil {
		s.emit(at, EventError, nil, cause)
	}
	s.emitTail(at)
	s.emit(at, EventEnd, nil, nil)
}

func (s *Session) connectFailed(at *attempt, err error) {
	if errors.Is(err, transports.ErrAborted) {
		return
	}
	s.mu.Lock()
	if s.cur != at || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardown(at, TriggerConnectFailed, err)
}

func (s *Session) onResult(at *attempt, res stt.Result) {
	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		return
	}
	stopAfter := !at.cfg.Continuous && res.IsFinal && !at.stopping
	s.mu.Unlock()

	if !at.cfg.InterimResults && !res.IsFinal {
		return
	}
	s.emitResult(at, res.Limit(at.cfg.MaxAlternatives))
	if stopAfter {
		go s.finish(context.Background(), at, TriggerStop)
	}
}

func (s *Session) emitResult(at *attempt, res stt.Result) {
	if !s.emit(at, EventResult, &res, nil) {
		return
	}
	s.log.Debug("stt_result",
		slog.String("session_id", at.sessionID),
		slog.Bool("final", res.IsFinal),
		slog.String("transcript", redact.Transcript(res.Transcript, 80)),
	)
	metrics.Record(s.obs, metrics.EventResult, res.Confidence, at.tags, map[string]any{"final": res.IsFinal})
}

func (s *Session) onVendorError(at *attempt, err error) {
	s.mu.Lock()
	live := s.cur == at
	s.mu.Unlock()
	if live {
		s.emit(at, EventError, nil, err)
	}
}

func (s *Session) onReconnecting(at *attempt, n int) {
	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		return
	}
	ch, moved := s.transitionLocked(at, TriggerConnectionDrop)
	s.mu.Unlock()
	s.notify(ch, moved)
	s.log.Info("stt_session_reconnecting", slog.String("session_id", at.sessionID), slog.Int("attempt", n))
}

func (s *Session) onReconnected(at *attempt) {
	s.mu.Lock()
	if s.cur != at {
		s.mu.Unlock()
		return
	}
	ch, moved := s.transitionLocked(at, TriggerOpen)
	s.mu.Unlock()
	s.notify(ch, moved)
}

func (s *Session) voiceStarted(at *attempt) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if at.speech {
		return
	}
	if s.emitLocked(at, EventSoundStart, nil, nil) {
		s.emitLocked(at, EventSpeechStart, nil, nil)
		at.speech = true
	}
}

// emitTail closes the speech and audio brackets that are still open.
func (s *Session) emitTail(at *attempt) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if at.speech {
		s.emitLocked(at, EventSpeechEnd, nil, nil)
		s.emitLocked(at, EventSoundEnd, nil, nil)
		at.speech = false
	}
	if at.audio {
		s.emitLocked(at, EventAudioEnd, nil, nil)
		at.audio = false
	}
}

func (s *Session) emit(at *attempt, typ EventType, res *stt.Result, err error) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.emitLocked(at, typ, res, err)
}

func (s *Session) emitLocked(at *attempt, typ EventType, res *stt.Result, err error) bool {
	if at.ended || (typ == EventResult && at.muted) {
		return false
	}
	switch typ {
	case EventEnd:
		at.ended = true
	case EventAudioStart:
		at.audio = true
	case EventError:
		reason := errorsx.Reason(err)
		s.log.Warn("stt_session_error", slog.String("session_id", at.sessionID), slog.String("reason", string(reason)), slog.String("error", err.Error()))
		metrics.Record(s.obs, metrics.EventError, 1, metrics.WithTags(at.tags, metrics.TagReason, string(reason)), nil)
	}
	s.emitter.Emit(Event{
		Type:      typ,
		Attempt:   at.id,
		SessionID: at.sessionID,
		Result:    res,
		Err:       err,
		At:        time.Now(),
	})
	if typ == EventEnd {
		s.log.Info("stt_session_end", slog.String("session_id", at.sessionID))
		metrics.Record(s.obs, metrics.EventSessionEnd, 1, at.tags, nil)
	}
	return true
}

func (s *Session) transitionLocked(at *attempt, t Trigger) (StateChange, bool) {
	from := s.state
	to := Next(from, t, at.cfg.Transport)
	if to == from {
		return StateChange{}, false
	}
	s.state = to
	return StateChange{FromState: from, ToState: to, Trigger: t, Attempt: at.id, SessionID: at.sessionID, Timestamp: time.Now()}, true
}

// notify tells listeners about ch outside the session lock.
func (s *Session) notify(ch StateChange, moved bool) {
	if !moved {
		return
	}
	s.mu.Lock()
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Debug("stt_state_change", slog.String("from", ch.FromState.String()), slog.String("to", ch.ToState.String()), slog.String("trigger", ch.Trigger.String()))
	metrics.Record(s.obs, metrics.EventStateChange, 1, map[string]string{metrics.TagSessionID: ch.SessionID, metrics.TagState: ch.ToState.String()}, map[string]any{"from": ch.FromState.String(), "trigger": ch.Trigger.String()})
	for _, l := range listeners {
		l.OnStateChange(ch)
	}
}
