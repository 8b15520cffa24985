// Package google adapts the Cloud Speech-to-Text v1 synchronous recognize
// endpoint. Audio travels base64 encoded inside a JSON body.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/resilience"
)

const (
	Name            = "google"
	DefaultEndpoint = "https://speech.googleapis.com/v1/speech:recognize"
	defaultTimeout  = 30 * time.Second
)

type Settings struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"endpoint", "model", "timeout"},
}

type Adapter struct {
	cfg    Settings
	client *http.Client
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.client = c
		}
	}
}

func New(cfg Settings, opts ...Option) (*Adapter, error) {
	if err := configutil.RequireString(cfg.APIKey, "google.api_key"); err != nil {
		return nil, err
	}
	cfg.Endpoint = configutil.StringValue(cfg.Endpoint, DefaultEndpoint)
	cfg.Timeout = configutil.DurationValue(cfg.Timeout, defaultTimeout)
	a := &Adapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func NewFromSettings(settings map[string]any) (stt.Adapter, error) {
	var cfg Settings
	if err := configutil.Decode(Name, settings, Schema, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

func (a *Adapter) Name() string { return Name }

type recognitionConfig struct {
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	LanguageCode    string `json:"languageCode"`
	MaxAlternatives int    `json:"maxAlternatives,omitempty"`
	Model           string `json:"model,omitempty"`
}

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

// RecognizeResponse is the decoded vendor payload, kept as Result.Original.
type RecognizeResponse struct {
	Results []struct {
		Alternatives []stt.Alternative `json:"alternatives"`
	} `json:"results"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// RecognizeBatch posts wav and folds every result segment into one final
// transcript. Alternatives come from the first segment.
func (a *Adapter) RecognizeBatch(ctx context.Context, wav []byte, opts stt.SessionOptions) (stt.Result, error) {
	hdr, err := audio.ParseWAVHeader(wav)
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: %w", err)
	}
	var body recognizeRequest
	body.Config = recognitionConfig{
		Encoding:        "LINEAR16",
		SampleRateHertz: hdr.SampleRate,
		LanguageCode:    configutil.StringValue(opts.Lang, "en-US"),
		MaxAlternatives: opts.MaxAlternatives,
		Model:           a.cfg.Model,
	}
	// LINEAR16 content is the raw PCM without the RIFF header.
	body.Audio.Content = audio.ToBase64(wav[44:])
	payload, err := json.Marshal(body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: encode request: %w", err)
	}

	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", a.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: post: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stt.Result{}, resilience.StatusError{Provider: Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out RecognizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return stt.Result{}, fmt.Errorf("google: decode response: %w", err)
	}
	if out.Error != nil {
		return stt.Result{}, fmt.Errorf("google: %s: %s", out.Error.Status, out.Error.Message)
	}
	return fold(&out), nil
}

func fold(out *RecognizeResponse) stt.Result {
	var parts []string
	var conf float64
	var n int
	for _, seg := range out.Results {
		if len(seg.Alternatives) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(seg.Alternatives[0].Transcript))
		conf += seg.Alternatives[0].Confidence
		n++
	}
	if n > 0 {
		conf /= float64(n)
	}
	res := stt.NewResult(strings.Join(parts, " "), conf, true, out)
	if len(out.Results) > 0 {
		res.Alternatives = append([]stt.Alternative(nil), out.Results[0].Alternatives...)
	}
	return res
}

var _ stt.BatchRecognizer = (*Adapter)(nil)
