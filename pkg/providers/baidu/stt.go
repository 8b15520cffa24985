// Package baidu adapts the Baidu realtime ASR websocket protocol.
package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

const (
	Name            = "baidu"
	DefaultEndpoint = "wss://vop.baidu.com/realtime_asr"
)

// Settings is the adapter block of the config file.
type Settings struct {
	AppID    int    `mapstructure:"app_id"`
	AppKey   string `mapstructure:"app_key"`
	DevPID   int    `mapstructure:"dev_pid"`
	CUID     string `mapstructure:"cuid"`
	Endpoint string `mapstructure:"endpoint"`
}

var Schema = configutil.Schema{
	Required: []string{"app_id", "app_key"},
	Optional: []string{"dev_pid", "cuid", "endpoint"},
}

// devPIDs maps language tags to Baidu model ids.
var devPIDs = map[string]int{
	"zh-cn":   1537,
	"zh":      1537,
	"en-us":   1737,
	"en":      1737,
	"yue":     1637,
	"zh-hk":   1637,
	"zh-sc":   1837,
	"zh-hans": 1537,
}

// Adapter speaks Baidu's START / binary PCM / FINISH protocol.
type Adapter struct {
	cfg Settings
}

func New(cfg Settings) (*Adapter, error) {
	if cfg.AppID == 0 {
		return nil, fmt.Errorf("baidu: app_id is required")
	}
	if err := configutil.RequireString(cfg.AppKey, "baidu.app_key"); err != nil {
		return nil, err
	}
	cfg.Endpoint = configutil.StringValue(cfg.Endpoint, DefaultEndpoint)
	cfg.CUID = configutil.StringValue(cfg.CUID, "earshot")
	return &Adapter{cfg: cfg}, nil
}

// NewFromSettings builds an adapter from a free-form settings map.
func NewFromSettings(settings map[string]any) (stt.Adapter, error) {
	var cfg Settings
	if err := configutil.Decode(Name, settings, Schema, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ConnectURL(_ context.Context, _ stt.SessionOptions) (string, error) {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("baidu: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sn", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type startFrame struct {
	Type string    `json:"type"`
	Data startData `json:"data"`
}

type startData struct {
	AppID  int    `json:"appid"`
	AppKey string `json:"appkey"`
	DevPID int    `json:"dev_pid"`
	CUID   string `json:"cuid"`
	Format string `json:"format"`
	Sample int    `json:"sample"`
}

func (a *Adapter) HandshakeMessage(opts stt.SessionOptions) (*stt.Message, error) {
	rate := opts.SampleRate
	if rate != 8000 && rate != 16000 {
		return nil, errorsx.New(errorsx.ReasonAdapter, "baidu: unsupported sample rate %d", rate)
	}
	b, err := json.Marshal(startFrame{
		Type: "START",
		Data: startData{
			AppID:  a.cfg.AppID,
			AppKey: a.cfg.AppKey,
			DevPID: a.devPID(opts.Lang),
			CUID:   a.cfg.CUID,
			Format: "pcm",
			Sample: rate,
		},
	})
	if err != nil {
		return nil, err
	}
	msg := stt.TextMessage(string(b))
	return &msg, nil
}

func (a *Adapter) devPID(lang string) int {
	if a.cfg.DevPID != 0 {
		return a.cfg.DevPID
	}
	if pid, ok := devPIDs[strings.ToLower(lang)]; ok {
		return pid
	}
	return devPIDs["zh-cn"]
}

func (a *Adapter) FinishMessage() *stt.Message {
	msg := stt.TextMessage(`{"type":"FINISH"}`)
	return &msg
}

// Response is one inbound Baidu message.
type Response struct {
	ErrNo     int    `json:"err_no"`
	ErrMsg    string `json:"err_msg"`
	Type      string `json:"type"`
	Result    string `json:"result"`
	LogID     int64  `json:"log_id"`
	SN        string `json:"sn"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
}

func (a *Adapter) ParseInboundMessage(msg stt.Message) (*stt.Result, error) {
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%w: baidu: %v", stt.ErrMalformed, err)
	}
	if resp.ErrNo != 0 {
		return nil, errorsx.New(errorsx.ReasonAdapter, "baidu: err_no %d: %s", resp.ErrNo, resp.ErrMsg)
	}
	switch resp.Type {
	case "MID_TEXT", "FIN_TEXT":
	default:
		// HEARTBEAT and anything else carry no transcript.
		return nil, nil
	}
	// Baidu reports no confidence; finished segments count as certain.
	confidence := 0.0
	final := resp.Type == "FIN_TEXT"
	if final {
		confidence = 1
	}
	res := stt.NewResult(resp.Result, confidence, final, resp)
	return &res, nil
}

var (
	_ stt.URLProvider   = (*Adapter)(nil)
	_ stt.Handshaker    = (*Adapter)(nil)
	_ stt.InboundParser = (*Adapter)(nil)
	_ stt.Finisher      = (*Adapter)(nil)
)
