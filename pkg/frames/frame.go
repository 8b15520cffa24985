package frames

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// AudioFrame is a block of 16-bit signed PCM samples at a target rate.
// Ownership moves to the receiver on emission; producers never touch a frame
// after handing it off.
type AudioFrame struct {
	seq     uint64
	samples []int16
	rate    int
	ch      int
	final   bool
	at      time.Time
}

// NewAudioFrame builds a mono or multi-channel frame. The samples slice is
// taken as-is, callers must not reuse it.
func NewAudioFrame(seq uint64, samples []int16, rate, ch int, final bool) AudioFrame {
	if ch <= 0 {
		ch = 1
	}
	return AudioFrame{
		seq:     seq,
		samples: samples,
		rate:    rate,
		ch:      ch,
		final:   final,
		at:      time.Now(),
	}
}

func (a AudioFrame) Seq() uint64           { return a.seq }
func (a AudioFrame) Samples() []int16      { return a.samples }
func (a AudioFrame) Len() int              { return len(a.samples) }
func (a AudioFrame) Rate() int             { return a.rate }
func (a AudioFrame) Channels() int         { return a.ch }
func (a AudioFrame) Final() bool           { return a.final }
func (a AudioFrame) CapturedAt() time.Time { return a.at }

// Duration is the playback length of the frame.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 || a.ch <= 0 {
		return 0
	}
	return time.Duration(len(a.samples)/a.ch) * time.Second / time.Duration(a.rate)
}

// AppendPCM appends the frame as little-endian PCM bytes to dst.
func (a AudioFrame) AppendPCM(dst []byte) []byte {
	return AppendPCM(dst, a.samples)
}

// AppendPCM appends samples as little-endian 16-bit PCM to dst.
func AppendPCM(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// SeqGen hands out monotonically increasing frame sequence numbers.
type SeqGen struct {
	value atomic.Uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

func (g *SeqGen) Next() uint64 {
	return g.value.Add(1)
}

func (g *SeqGen) Reset() {
	g.value.Store(0)
}

var pcmBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

// AcquirePCMBuf returns an empty buffer with at least size capacity.
func AcquirePCMBuf(size int) []byte {
	b := pcmBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, 0, size)
	}
	return b[:0]
}

func ReleasePCMBuf(b []byte) {
	if b == nil {
		return
	}
	pcmBufPool.Put(b[:0])
}
