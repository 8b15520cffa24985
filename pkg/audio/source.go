package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BlockFunc receives raw float samples in [-1, 1] at the source rate.
type BlockFunc func(block []float32)

// Constraints are the capture preferences passed to a source on acquisition.
// Sources that cannot honour a preference ignore it.
type Constraints struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Source is an exclusively-held producer of audio sample blocks. Start
// acquires the device and returns its hardware rate; blocks are pushed from
// a goroutine owned by the source until Stop. A push may arrive before Start
// returns.
type Source interface {
	Start(ctx context.Context, c Constraints, push BlockFunc) (sampleRate int, err error)
	Stop() error
}

var ErrSourceBusy = errors.New("audio: source already in use")

// ManualSource is a Source whose blocks are pushed by the caller. It backs
// tests and embedders that own their own capture loop.
type ManualSource struct {
	mu     sync.Mutex
	rate   int
	push   BlockFunc
	active bool
	deny   error
	last   Constraints
	starts int
}

func NewManualSource(rate int) *ManualSource {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &ManualSource{rate: rate}
}

// Deny makes subsequent Start calls fail with err until Deny(nil).
func (m *ManualSource) Deny(err error) {
	m.mu.Lock()
	m.deny = err
	m.mu.Unlock()
}

func (m *ManualSource) Start(_ context.Context, c Constraints, push BlockFunc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny != nil {
		return 0, m.deny
	}
	if m.active {
		return 0, ErrSourceBusy
	}
	m.active = true
	m.push = push
	m.last = c
	m.starts++
	return m.rate, nil
}

// Push forwards block to the active consumer. It reports false when the
// source is stopped.
func (m *ManualSource) Push(block []float32) bool {
	m.mu.Lock()
	push := m.push
	active := m.active
	m.mu.Unlock()
	if !active || push == nil {
		return false
	}
	push(block)
	return true
}

func (m *ManualSource) Stop() error {
	m.mu.Lock()
	m.active = false
	m.push = nil
	m.mu.Unlock()
	return nil
}

func (m *ManualSource) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *ManualSource) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *ManualSource) LastConstraints() Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// WAVFileSource streams a 16-bit PCM WAV file as if it were a microphone.
type WAVFileSource struct {
	path      string
	blockSize int
	pace      bool
	onEOF     func()
	log       *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

type WAVOption func(*WAVFileSource)

// WithBlockSize sets the number of frames per pushed block (default 4096).
func WithBlockSize(n int) WAVOption {
	return func(s *WAVFileSource) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithRealtime paces pushes at the file's playback rate.
func WithRealtime(enabled bool) WAVOption {
	return func(s *WAVFileSource) { s.pace = enabled }
}

// WithEOF registers a callback run once the whole file was pushed.
func WithEOF(fn func()) WAVOption {
	return func(s *WAVFileSource) { s.onEOF = fn }
}

func WithSourceLogger(log *slog.Logger) WAVOption {
	return func(s *WAVFileSource) {
		if log != nil {
			s.log = log
		}
	}
}

func NewWAVFileSource(path string, opts ...WAVOption) *WAVFileSource {
	s := &WAVFileSource{path: path, blockSize: 4096, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WAVFileSource) Start(ctx context.Context, c Constraints, push BlockFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return 0, ErrSourceBusy
	}
	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("audio: open %s: %w", s.path, err)
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		_ = f.Close()
		return 0, fmt.Errorf("audio: %s is not a valid wav file", s.path)
	}
	if dec.BitDepth != bitsPerSample {
		_ = f.Close()
		return 0, fmt.Errorf("audio: %s has %d-bit samples, need 16", s.path, dec.BitDepth)
	}
	rate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		s.log.Debug("wav_source_constraints_ignored",
			slog.Bool("echo_cancellation", c.EchoCancellation),
			slog.Bool("noise_suppression", c.NoiseSuppression),
			slog.Bool("auto_gain_control", c.AutoGainControl))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.active = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, f, dec, rate, channels, push, s.done)
	return rate, nil
}

func (s *WAVFileSource) run(ctx context.Context, f *os.File, dec *wav.Decoder, rate, channels int, push BlockFunc, done chan struct{}) {
	defer close(done)
	defer f.Close()

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:   make([]int, s.blockSize*channels),
	}
	interval := time.Duration(s.blockSize) * time.Second / time.Duration(rate)
	var ticker *time.Ticker
	if s.pace {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		n, err := dec.PCMBuffer(buf)
		if n > 0 {
			push(downmix(buf.Data[:n], channels))
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Warn("wav_source_read_failed", slog.String("path", s.path), slog.Any("error", err))
			return
		}
		if n == 0 || err != nil {
			break
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
	if s.onEOF != nil && ctx.Err() == nil {
		s.onEOF()
	}
}

// downmix averages interleaved 16-bit samples into mono floats.
func downmix(data []int, channels int) []float32 {
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		out[i] = float32(sum) / float32(channels) / 0x8000
	}
	return out
}

func (s *WAVFileSource) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	cancel := s.cancel
	s.mu.Unlock()
	// Stop may run on the push goroutine itself, so it cancels without waiting.
	cancel()
	return nil
}

// Done is closed once the reader goroutine of the current run exits.
func (s *WAVFileSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}
