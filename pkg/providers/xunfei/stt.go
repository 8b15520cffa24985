// Package xunfei adapts the iFlytek IAT websocket API. URL signing is left
// to a proxy or to whoever issues the pre-signed endpoint.
package xunfei

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

const Name = "xunfei"

const (
	statusFirst    = 0
	statusContinue = 1
	statusLast     = 2
)

type Settings struct {
	AppID string `mapstructure:"app_id"`
	// URL is a pre-signed wss endpoint (authorization, date and host query).
	URL        string `mapstructure:"url"`
	Domain     string `mapstructure:"domain"`
	Accent     string `mapstructure:"accent"`
	VADEOS     int    `mapstructure:"vad_eos"`
	SampleRate int    `mapstructure:"sample_rate"`
}

var Schema = configutil.Schema{
	Required: []string{"app_id", "url"},
	Optional: []string{"domain", "accent", "vad_eos", "sample_rate"},
}

// Adapter carries audio as base64 inside JSON frames.
type Adapter struct {
	cfg Settings
}

func New(cfg Settings) (*Adapter, error) {
	if err := configutil.RequireString(cfg.AppID, "xunfei.app_id"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(cfg.URL, "xunfei.url"); err != nil {
		return nil, err
	}
	cfg.Domain = configutil.StringValue(cfg.Domain, "iat")
	cfg.Accent = configutil.StringValue(cfg.Accent, "mandarin")
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
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

func (a *Adapter) ConnectURL(context.Context, stt.SessionOptions) (string, error) {
	return a.cfg.URL, nil
}

type frame struct {
	Common   *common   `json:"common,omitempty"`
	Business *business `json:"business,omitempty"`
	Data     frameData `json:"data"`
}

type common struct {
	AppID string `json:"app_id"`
}

type business struct {
	Language string `json:"language"`
	Domain   string `json:"domain"`
	Accent   string `json:"accent"`
	VADEOS   int    `json:"vad_eos,omitempty"`
	NBest    int    `json:"nbest,omitempty"`
}

type frameData struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio"`
}

func (a *Adapter) format() string {
	return fmt.Sprintf("audio/L16;rate=%d", a.cfg.SampleRate)
}

func (a *Adapter) data(status int, pcm []byte) frameData {
	return frameData{Status: status, Format: a.format(), Encoding: "raw", Audio: audio.ToBase64(pcm)}
}

// HandshakeMessage opens the stream with an empty status-0 frame that carries
// the app id and business parameters.
func (a *Adapter) HandshakeMessage(opts stt.SessionOptions) (*stt.Message, error) {
	b := &business{
		Language: language(opts.Lang),
		Domain:   a.cfg.Domain,
		Accent:   a.cfg.Accent,
		VADEOS:   a.cfg.VADEOS,
	}
	if opts.MaxAlternatives > 1 {
		b.NBest = opts.MaxAlternatives
	}
	return a.encode(frame{Common: &common{AppID: a.cfg.AppID}, Business: b, Data: a.data(statusFirst, nil)})
}

func (a *Adapter) TransformOutboundFrame(pcm []byte) (stt.Message, error) {
	msg, err := a.encode(frame{Data: a.data(statusContinue, pcm)})
	if err != nil {
		return stt.Message{}, err
	}
	return *msg, nil
}

func (a *Adapter) FinishMessage() *stt.Message {
	msg, err := a.encode(frame{Data: a.data(statusLast, nil)})
	if err != nil {
		return nil
	}
	return msg
}

func (a *Adapter) encode(f frame) (*stt.Message, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	msg := stt.TextMessage(string(b))
	return &msg, nil
}

func language(lang string) string {
	switch strings.ToLower(lang) {
	case "en", "en-us", "en-gb":
		return "en_us"
	case "":
		return "zh_cn"
	default:
		if strings.HasPrefix(strings.ToLower(lang), "zh") {
			return "zh_cn"
		}
		return strings.ReplaceAll(strings.ToLower(lang), "-", "_")
	}
}

// Response is one inbound IAT message.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Data    *struct {
		Status int `json:"status"`
		Result struct {
			SN   int  `json:"sn"`
			Last bool `json:"ls"`
			WS   []struct {
				CW []struct {
					W  string  `json:"w"`
					SC float64 `json:"sc"`
				} `json:"cw"`
			} `json:"ws"`
		} `json:"result"`
	} `json:"data"`
}

func (a *Adapter) ParseInboundMessage(msg stt.Message) (*stt.Result, error) {
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%w: xunfei: %v", stt.ErrMalformed, err)
	}
	if resp.Code != 0 {
		return nil, errorsx.New(errorsx.ReasonAdapter, "xunfei: code %d: %s (sid %s)", resp.Code, resp.Message, resp.SID)
	}
	if resp.Data == nil {
		return nil, nil
	}
	var sb strings.Builder
	for _, ws := range resp.Data.Result.WS {
		if len(ws.CW) > 0 {
			sb.WriteString(ws.CW[0].W)
		}
	}
	final := resp.Data.Status == statusLast || resp.Data.Result.Last
	if sb.Len() == 0 && !final {
		return nil, nil
	}
	confidence := 0.0
	if final {
		confidence = 1
	}
	res := stt.NewResult(sb.String(), confidence, final, resp)
	return &res, nil
}

var (
	_ stt.URLProvider      = (*Adapter)(nil)
	_ stt.Handshaker       = (*Adapter)(nil)
	_ stt.FrameTransformer = (*Adapter)(nil)
	_ stt.InboundParser    = (*Adapter)(nil)
	_ stt.Finisher         = (*Adapter)(nil)
)
