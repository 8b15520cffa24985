// Package audio holds the capture side of the recognizer: pure codec helpers,
// the frame processor that turns raw float blocks into PCM frames, and the
// audio source abstraction.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/harunnryd/earshot/pkg/frames"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	wavHeaderSize = 44
	bitsPerSample = 16
)

// Resample converts data from inputRate to outputRate by nearest-neighbour
// decimation: output i reads input floor(i*inputRate/outputRate). There is no
// interpolation and no anti-aliasing filter. Equal rates return data as-is.
func Resample(data []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 {
		return data
	}
	n := int((int64(len(data))*int64(outputRate) + int64(inputRate) - 1) / int64(inputRate))
	out := make([]float32, n)
	for i := range out {
		idx := int(int64(i) * int64(inputRate) / int64(outputRate))
		if idx >= len(data) {
			idx = len(data) - 1
		}
		out[i] = data[idx]
	}
	return out
}

// FloatTo16BitPCM clamps each sample to [-1, 1] and scales negatives by
// 0x8000 and positives by 0x7FFF.
func FloatTo16BitPCM(input []float32) []int16 {
	out := make([]int16, len(input))
	for i, v := range input {
		out[i] = floatToInt16(v)
	}
	return out
}

func floatToInt16(v float32) int16 {
	s := float64(v)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// PCM16ToFloat is the inverse of FloatTo16BitPCM.
func PCM16ToFloat(input []int16) []float32 {
	out := make([]float32, len(input))
	for i, v := range input {
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}

// CalculateRMS returns sqrt(mean(x^2)). Empty input yields NaN.
func CalculateRMS(data []float32) float64 {
	var sum float64
	for _, v := range data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(data)))
}

// MergeBuffers concatenates buffers in order into a slice of totalLength.
// Samples past totalLength are discarded; a short input leaves zero padding.
func MergeBuffers(buffers [][]int16, totalLength int) []int16 {
	if totalLength < 0 {
		totalLength = 0
	}
	out := make([]int16, totalLength)
	offset := 0
	for _, b := range buffers {
		if offset >= totalLength {
			break
		}
		offset += copy(out[offset:], b)
	}
	return out
}

// PCMBytes returns samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	return frames.AppendPCM(make([]byte, 0, len(samples)*2), samples)
}

// EncodeWAV wraps samples in a canonical 44-byte RIFF/WAVE PCM header.
// Zero sampleRate or channels fall back to 16000 Hz mono.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	dataSize := len(samples) * 2
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf := make([]byte, wavHeaderSize, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return frames.AppendPCM(buf, samples)
}

// WAVHeader is the parsed form of the header EncodeWAV writes.
type WAVHeader struct {
	ChunkSize     uint32
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int
	DataSize      int
}

// Samples is the number of 16-bit samples in the data chunk.
func (h WAVHeader) Samples() int {
	return h.DataSize / 2
}

var ErrInvalidWAV = errors.New("audio: invalid wav header")

// ParseWAVHeader reads back a canonical 44-byte header.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	if len(b) < wavHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return WAVHeader{}, fmt.Errorf("%w: bad chunk ids", ErrInvalidWAV)
	}
	h := WAVHeader{
		ChunkSize:     binary.LittleEndian.Uint32(b[4:8]),
		AudioFormat:   binary.LittleEndian.Uint16(b[20:22]),
		Channels:      int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[24:28])),
		ByteRate:      int(binary.LittleEndian.Uint32(b[28:32])),
		BlockAlign:    int(binary.LittleEndian.Uint16(b[32:34])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[34:36])),
		DataSize:      int(binary.LittleEndian.Uint32(b[40:44])),
	}
	if h.DataSize > len(b)-wavHeaderSize {
		return h, fmt.Errorf("%w: data size %d exceeds payload", ErrInvalidWAV, h.DataSize)
	}
	return h, nil
}

// ToBase64 encodes b with the standard alphabet and padding.
func ToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromBase64 is the inverse of ToBase64.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
