// Package deepgram adapts Deepgram live transcription. Inbound messages are
// decoded into the SDK's websocket response types.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

const (
	Name            = "deepgram"
	DefaultEndpoint = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-2"
)

type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Endpoint       string `mapstructure:"endpoint"`
	Model          string `mapstructure:"model"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"endpoint", "model", "smart_format", "vad_events", "utterance_end_ms"},
}

type Adapter struct {
	cfg Settings
}

func New(cfg Settings) (*Adapter, error) {
	if err := configutil.RequireString(cfg.APIKey, "deepgram.api_key"); err != nil {
		return nil, err
	}
	cfg.Endpoint = configutil.StringValue(cfg.Endpoint, DefaultEndpoint)
	cfg.Model = configutil.StringValue(cfg.Model, DefaultModel)
	return &Adapter{cfg: cfg}, nil
}

func NewFromSettings(settings map[string]any) (stt.Adapter, error) {
	var cfg Settings
	if err := configutil.Decode(Name, settings, Schema, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ConnectURL(_ context.Context, opts stt.SessionOptions) (string, error) {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", a.cfg.Model)
	q.Set("encoding", "linear16")
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 1
	}
	q.Set("channels", strconv.Itoa(channels))
	if opts.Lang != "" {
		q.Set("language", opts.Lang)
	}
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	if a.cfg.SmartFormat {
		q.Set("smart_format", "true")
	}
	if a.cfg.VADEvents {
		q.Set("vad_events", "true")
	}
	if a.cfg.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(a.cfg.UtteranceEndMS))
	}
	if opts.MaxAlternatives > 1 {
		q.Set("alternatives", strconv.Itoa(opts.MaxAlternatives))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) ConnectHeader(stt.SessionOptions) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+a.cfg.APIKey)
	return h
}

func (a *Adapter) FinishMessage() *stt.Message {
	msg := stt.TextMessage(`{"type":"CloseStream"}`)
	return &msg
}

type envelope struct {
	Type string `json:"type"`
}

func (a *Adapter) ParseInboundMessage(msg stt.Message) (*stt.Result, error) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("%w: deepgram: %v", stt.ErrMalformed, err)
	}
	switch env.Type {
	case "Results":
		var mr msginterfaces.MessageResponse
		if err := json.Unmarshal(msg.Data, &mr); err != nil {
			return nil, fmt.Errorf("%w: deepgram results: %v", stt.ErrMalformed, err)
		}
		return fromMessage(&mr), nil
	case "Error":
		var er msginterfaces.ErrorResponse
		if err := json.Unmarshal(msg.Data, &er); err != nil {
			return nil, fmt.Errorf("%w: deepgram error: %v", stt.ErrMalformed, err)
		}
		return nil, errorsx.New(errorsx.ReasonAdapter, "deepgram: %s: %s", er.ErrCode, er.ErrMsg)
	default:
		// Metadata, SpeechStarted, UtteranceEnd.
		return nil, nil
	}
}

func fromMessage(mr *msginterfaces.MessageResponse) *stt.Result {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	res := stt.NewResult(alt.Transcript, alt.Confidence, mr.IsFinal || mr.SpeechFinal, mr)
	for _, a := range mr.Channel.Alternatives {
		res.Alternatives = append(res.Alternatives, stt.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
	}
	return &res
}

var (
	_ stt.URLProvider    = (*Adapter)(nil)
	_ stt.HeaderProvider = (*Adapter)(nil)
	_ stt.InboundParser  = (*Adapter)(nil)
	_ stt.Finisher       = (*Adapter)(nil)
)
