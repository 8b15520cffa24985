// Package assemblyai adapts AssemblyAI Universal Streaming (v3).
package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

const (
	Name            = "assemblyai"
	DefaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"
)

type Settings struct {
	APIKey      string `mapstructure:"api_key"`
	Endpoint    string `mapstructure:"endpoint"`
	FormatTurns *bool  `mapstructure:"format_turns"`
}

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"endpoint", "format_turns"},
}

type Adapter struct {
	cfg         Settings
	formatTurns bool
}

func New(cfg Settings) (*Adapter, error) {
	if err := configutil.RequireString(cfg.APIKey, "assemblyai.api_key"); err != nil {
		return nil, err
	}
	cfg.Endpoint = configutil.StringValue(cfg.Endpoint, DefaultEndpoint)
	return &Adapter{cfg: cfg, formatTurns: configutil.BoolValue(cfg.FormatTurns, true)}, nil
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
		return "", fmt.Errorf("assemblyai: endpoint: %w", err)
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(a.formatTurns))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnectHeader carries the raw key; v3 takes no scheme prefix.
func (a *Adapter) ConnectHeader(stt.SessionOptions) http.Header {
	h := http.Header{}
	h.Set("Authorization", a.cfg.APIKey)
	return h
}

func (a *Adapter) FinishMessage() *stt.Message {
	msg := stt.TextMessage(`{"type":"Terminate"}`)
	return &msg
}

// TurnMessage is a v3 transcript update for the current turn.
type TurnMessage struct {
	Type                string  `json:"type"`
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	Words               []Word  `json:"words,omitempty"`
	Error               string  `json:"error,omitempty"`
}

type Word struct {
	Text        string  `json:"text"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

func (a *Adapter) ParseInboundMessage(msg stt.Message) (*stt.Result, error) {
	var tm TurnMessage
	if err := json.Unmarshal(msg.Data, &tm); err != nil {
		return nil, fmt.Errorf("%w: assemblyai: %v", stt.ErrMalformed, err)
	}
	if tm.Error != "" {
		return nil, errorsx.New(errorsx.ReasonAdapter, "assemblyai: %s", tm.Error)
	}
	if tm.Type != "Turn" {
		// Begin and Termination carry no transcript.
		return nil, nil
	}
	text := strings.TrimSpace(tm.Transcript)
	if text == "" {
		return nil, nil
	}
	// With formatting on, the unformatted end-of-turn message is followed by
	// a formatted copy; only the latter is final.
	final := tm.EndOfTurn && (!a.formatTurns || tm.TurnIsFormatted)
	res := stt.NewResult(text, wordConfidence(tm.Words), final, &tm)
	return &res, nil
}

func wordConfidence(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

var (
	_ stt.URLProvider    = (*Adapter)(nil)
	_ stt.HeaderProvider = (*Adapter)(nil)
	_ stt.InboundParser  = (*Adapter)(nil)
	_ stt.Finisher       = (*Adapter)(nil)
)
