package transports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/frames"
	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
	"github.com/harunnryd/earshot/pkg/resilience"
)

type BatchConfig struct {
	Options stt.SessionOptions
	Retry   resilience.RetryPolicy
	// Breaker is shared across attempts of one recognizer. Nil disables it.
	Breaker *resilience.CircuitBreaker
}

// BatchSession collects the frames of one recording and submits them as a
// single WAV upload.
type BatchSession struct {
	caps stt.Capabilities
	cfg  BatchConfig
	log  *slog.Logger
	obs  metrics.Observer
	tags map[string]string

	mu       sync.Mutex
	chunks   [][]int16
	total    int
	rate     int
	channels int
	sealed   bool
	cancel   context.CancelFunc
}

func NewBatchSession(caps stt.Capabilities, cfg BatchConfig, log *slog.Logger, obs metrics.Observer) *BatchSession {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &BatchSession{
		caps: caps,
		cfg:  cfg,
		log:  logging.NewComponentLogger(log, "transport_batch"),
		obs:  obs,
		tags: metrics.WithTags(nil, metrics.TagSessionID, cfg.Options.SessionID, metrics.TagProvider, caps.Name(), metrics.TagTransport, string(ModeHTTP)),
	}
}

func (b *BatchSession) Mode() Mode { return ModeHTTP }

// SendFrame accumulates f until Submit.
func (b *BatchSession) SendFrame(f frames.AudioFrame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	if f.Len() == 0 {
		return true
	}
	if b.rate == 0 {
		b.rate, b.channels = f.Rate(), f.Channels()
	}
	b.chunks = append(b.chunks, f.Samples())
	b.total += f.Len()
	return true
}

// Samples is the number of samples accumulated so far.
func (b *BatchSession) Samples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Submit seals the session, encodes the recording and runs it through the
// adapter. An empty recording submits nothing and returns (nil, nil).
func (b *BatchSession) Submit(ctx context.Context) (*stt.Result, error) {
	if !b.caps.SupportsBatch() {
		return nil, errorsx.New(errorsx.ReasonNotSupported, "%s: batch recognition not supported", b.caps.Name())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return nil, ErrSealed
	}
	b.sealed = true
	chunks, total, rate, ch := b.chunks, b.total, b.rate, b.channels
	b.chunks = nil
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	if total == 0 {
		b.log.Debug("stt_batch_empty")
		return nil, nil
	}
	wav := audio.EncodeWAV(audio.MergeBuffers(chunks, total), rate, ch)

	if !b.cfg.Breaker.Allow() {
		return nil, errorsx.Wrap(fmt.Errorf("%s: %w", b.caps.Name(), resilience.ErrCircuitOpen), errorsx.ReasonAdapter)
	}

	start := time.Now()
	var res stt.Result
	err := b.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = b.caps.Batch.RecognizeBatch(ctx, wav, b.cfg.Options)
		return err
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		b.cfg.Breaker.OnError(err)
		if errors.Is(err, context.Canceled) {
			return nil, ErrAborted
		}
		err = errorsx.Wrap(fmt.Errorf("%s: recognize batch: %w", b.caps.Name(), err), errorsx.ReasonAdapter)
		b.log.Warn("stt_batch_failed", slog.String("provider", b.caps.Name()), slog.Int64("latency_ms", latency), slog.String("error", err.Error()))
		return nil, err
	}
	b.cfg.Breaker.OnSuccess()
	b.log.Info("stt_batch_done", slog.String("provider", b.caps.Name()), slog.Int("samples", total), slog.Int64("latency_ms", latency))
	metrics.Record(b.obs, metrics.EventBatchSubmit, float64(len(wav)), b.tags, map[string]any{metrics.FieldLatencyMS: latency})
	return &res, nil
}

// Abort discards the recording and cancels an in-flight upload.
func (b *BatchSession) Abort() {
	b.mu.Lock()
	b.sealed = true
	b.chunks = nil
	b.total = 0
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ Transport = (*BatchSession)(nil)
