// Package mock is an offline vendor for tests and local runs. It speaks a
// small JSON protocol over any socket and answers batch uploads from a
// script.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

const Name = "mock"

type Settings struct {
	Transcript string  `mapstructure:"transcript"`
	Confidence float64 `mapstructure:"confidence"`
	// Mode is "stream", "batch" or empty for both.
	Mode string `mapstructure:"mode"`
}

var Schema = configutil.Schema{Optional: []string{"transcript", "confidence", "mode"}}

// Wire is the JSON shape of every mock server message.
type Wire struct {
	Type       string  `json:"type"`
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ResultMessage encodes a server-side result for a mock socket.
func ResultMessage(transcript string, confidence float64, final bool) stt.Message {
	b, _ := json.Marshal(Wire{Type: "result", Transcript: transcript, Confidence: confidence, Final: final})
	return stt.TextMessage(string(b))
}

// ErrorMessage encodes a server-side vendor error.
func ErrorMessage(msg string) stt.Message {
	b, _ := json.Marshal(Wire{Type: "error", Error: msg})
	return stt.TextMessage(string(b))
}

// Streaming implements the websocket capabilities only.
type Streaming struct{}

func (Streaming) Name() string { return Name }

func (Streaming) ConnectURL(_ context.Context, opts stt.SessionOptions) (string, error) {
	q := url.Values{}
	q.Set("lang", opts.Lang)
	q.Set("rate", strconv.Itoa(opts.SampleRate))
	if opts.SessionID != "" {
		q.Set("session", opts.SessionID)
	}
	return "ws://mock.invalid/stt?" + q.Encode(), nil
}

func (Streaming) HandshakeMessage(opts stt.SessionOptions) (*stt.Message, error) {
	b, err := json.Marshal(map[string]any{
		"type":    "start",
		"lang":    opts.Lang,
		"rate":    opts.SampleRate,
		"interim": opts.InterimResults,
	})
	if err != nil {
		return nil, err
	}
	msg := stt.TextMessage(string(b))
	return &msg, nil
}

func (Streaming) FinishMessage() *stt.Message {
	msg := stt.TextMessage(`{"type":"finish"}`)
	return &msg
}

func (Streaming) ParseInboundMessage(msg stt.Message) (*stt.Result, error) {
	if msg.Type != stt.MessageText {
		return nil, nil
	}
	var w Wire
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		return nil, fmt.Errorf("%w: mock: %v", stt.ErrMalformed, err)
	}
	switch w.Type {
	case "result":
		res := stt.NewResult(w.Transcript, w.Confidence, w.Final, w)
		return &res, nil
	case "error":
		return nil, errorsx.New(errorsx.ReasonAdapter, "mock: %s", w.Error)
	default:
		return nil, nil
	}
}

// Batch answers RecognizeBatch from a fixed transcript or a scripted error.
type Batch struct {
	mu         sync.Mutex
	transcript string
	confidence float64
	errs       []error
	uploads    [][]byte
}

func NewBatch(transcript string, confidence float64) *Batch {
	return &Batch{transcript: transcript, confidence: confidence}
}

func (b *Batch) Name() string { return Name }

// FailNext queues errors returned by the following calls, in order.
func (b *Batch) FailNext(errs ...error) {
	b.mu.Lock()
	b.errs = append(b.errs, errs...)
	b.mu.Unlock()
}

// Uploads returns copies of every WAV body received.
func (b *Batch) Uploads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.uploads))
	copy(out, b.uploads)
	return out
}

func (b *Batch) RecognizeBatch(ctx context.Context, wav []byte, _ stt.SessionOptions) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if _, err := audio.ParseWAVHeader(wav); err != nil {
		return stt.Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, append([]byte(nil), wav...))
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return stt.Result{}, err
		}
	}
	return stt.NewResult(b.transcript, b.confidence, true, nil), nil
}

// Adapter supports both transports.
type Adapter struct {
	Streaming
	*Batch
}

func (a *Adapter) Name() string { return Name }

func New(transcript string, confidence float64) *Adapter {
	return &Adapter{Batch: NewBatch(transcript, confidence)}
}

var errUnknownMode = errors.New("mock: mode must be stream, batch or empty")

func NewFromSettings(settings map[string]any) (stt.Adapter, error) {
	var cfg Settings
	if err := configutil.Decode(Name, settings, Schema, &cfg); err != nil {
		return nil, err
	}
	transcript := configutil.StringValue(cfg.Transcript, "mock transcript")
	confidence := cfg.Confidence
	if confidence == 0 {
		confidence = 1
	}
	switch cfg.Mode {
	case "":
		return New(transcript, confidence), nil
	case "stream":
		return Streaming{}, nil
	case "batch":
		return NewBatch(transcript, confidence), nil
	default:
		return nil, errUnknownMode
	}
}

var (
	_ stt.URLProvider     = Streaming{}
	_ stt.Handshaker      = Streaming{}
	_ stt.InboundParser   = Streaming{}
	_ stt.Finisher        = Streaming{}
	_ stt.BatchRecognizer = (*Batch)(nil)
)
