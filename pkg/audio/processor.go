package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/harunnryd/earshot/pkg/frames"
)

const (
	DefaultFrameSize    = 2048
	DefaultVADThreshold = 0.01
	DefaultVADSilence   = 1500 * time.Millisecond
)

// ProcessorConfig parameterises a FrameProcessor.
type ProcessorConfig struct {
	SourceRate   int
	TargetRate   int
	VADThreshold float64
	VADSilence   time.Duration
	FrameSize    int
}

// ProcessorHooks receive processor output. Hooks run on the caller of
// Process or SetRecording. OnFrame runs under the emit lock, so frames
// reach it in sequence order and it must not call back into the processor.
type ProcessorHooks struct {
	OnFrame          func(frames.AudioFrame)
	OnSilenceTimeout func()
	OnVoiceStart     func()
}

var ErrNotConfigured = errors.New("audio: processor not configured")

// FrameProcessor turns raw float sample blocks into fixed-size PCM frames and
// tracks silence. Configure must be called before Process.
type FrameProcessor struct {
	// emitMu spans frame cutting through OnFrame. Taken before mu.
	emitMu sync.Mutex

	mu         sync.Mutex
	cfg        ProcessorConfig
	hooks      ProcessorHooks
	configured bool
	recording  bool

	silence      time.Duration
	silenceFired bool
	voiced       bool

	buf []float32
	seq *frames.SeqGen
}

func NewFrameProcessor(hooks ProcessorHooks) *FrameProcessor {
	return &FrameProcessor{hooks: hooks, seq: frames.NewSeqGen()}
}

// Configure sets resampling and VAD parameters and resets all state.
func (p *FrameProcessor) Configure(cfg ProcessorConfig) error {
	if cfg.SourceRate <= 0 {
		return fmt.Errorf("audio: invalid source rate %d", cfg.SourceRate)
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.VADThreshold < 0 {
		return fmt.Errorf("audio: invalid vad threshold %v", cfg.VADThreshold)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.configured = true
	p.resetLocked()
	p.mu.Unlock()
	return nil
}

func (p *FrameProcessor) Config() ProcessorConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetRecording toggles acceptance of blocks. Disabling flushes any partial
// buffer as a final, possibly short, frame.
func (p *FrameProcessor) SetRecording(enabled bool) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	if enabled {
		if !p.recording {
			p.resetLocked()
			p.recording = true
		}
		p.mu.Unlock()
		return nil
	}
	if !p.recording {
		p.mu.Unlock()
		return nil
	}
	p.recording = false
	var final *frames.AudioFrame
	if len(p.buf) > 0 {
		f := frames.NewAudioFrame(p.seq.Next(), FloatTo16BitPCM(p.buf), p.cfg.TargetRate, 1, true)
		final = &f
		p.buf = p.buf[:0]
	}
	p.mu.Unlock()
	if final != nil && p.hooks.OnFrame != nil {
		p.hooks.OnFrame(*final)
	}
	return nil
}

func (p *FrameProcessor) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Process consumes one block at the source rate. Empty or non-finite blocks
// and blocks arriving while not recording are ignored.
func (p *FrameProcessor) Process(block []float32) {
	if len(block) == 0 {
		return
	}
	rms := CalculateRMS(block)
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return
	}

	p.emitMu.Lock()
	p.mu.Lock()
	if !p.configured || !p.recording {
		p.mu.Unlock()
		p.emitMu.Unlock()
		return
	}
	voiceStart, silenceTimeout := p.vadLocked(rms, len(block))

	p.buf = append(p.buf, Resample(block, p.cfg.SourceRate, p.cfg.TargetRate)...)
	var out []frames.AudioFrame
	for len(p.buf) >= p.cfg.FrameSize {
		pcm := FloatTo16BitPCM(p.buf[:p.cfg.FrameSize])
		out = append(out, frames.NewAudioFrame(p.seq.Next(), pcm, p.cfg.TargetRate, 1, false))
		p.buf = append(p.buf[:0], p.buf[p.cfg.FrameSize:]...)
	}
	p.mu.Unlock()

	if p.hooks.OnFrame != nil {
		for _, f := range out {
			p.hooks.OnFrame(f)
		}
	}
	p.emitMu.Unlock()

	if voiceStart && p.hooks.OnVoiceStart != nil {
		p.hooks.OnVoiceStart()
	}
	if silenceTimeout && p.hooks.OnSilenceTimeout != nil {
		p.hooks.OnSilenceTimeout()
	}
}

// vadLocked updates the silence accumulator. A timeout fires once per
// contiguous silent span and re-arms on the next voiced block.
func (p *FrameProcessor) vadLocked(rms float64, n int) (voiceStart, silenceTimeout bool) {
	if rms >= p.cfg.VADThreshold {
		voiceStart = !p.voiced
		p.voiced = true
		p.silence = 0
		p.silenceFired = false
		return voiceStart, false
	}
	p.voiced = false
	if p.silenceFired || p.cfg.VADSilence <= 0 {
		return false, false
	}
	p.silence += time.Duration(n) * time.Second / time.Duration(p.cfg.SourceRate)
	if p.silence >= p.cfg.VADSilence {
		p.silence = 0
		p.silenceFired = true
		return false, true
	}
	return false, false
}

func (p *FrameProcessor) resetLocked() {
	p.buf = p.buf[:0]
	p.silence = 0
	p.silenceFired = false
	p.voiced = false
	p.seq.Reset()
}
