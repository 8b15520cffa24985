// Package whisper adapts a whisper.cpp compatible HTTP server. Each
// recording is posted to /inference as a multipart WAV upload.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/configutil"
	"github.com/harunnryd/earshot/pkg/resilience"
)

const (
	Name              = "whisper"
	inferencePath     = "/inference"
	defaultTimeout    = 30 * time.Second
	maxResponseBytes  = 1 << 20
	maxErrorBodyBytes = 512
)

type Settings struct {
	ServerURL string        `mapstructure:"server_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

var Schema = configutil.Schema{
	Required: []string{"server_url"},
	Optional: []string{"model", "timeout"},
}

type Adapter struct {
	cfg    Settings
	client *http.Client
}

type Option func(*Adapter)

// WithHTTPClient replaces the default client. Tests use it with httptest.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.client = c
		}
	}
}

func New(cfg Settings, opts ...Option) (*Adapter, error) {
	if err := configutil.RequireString(cfg.ServerURL, "whisper.server_url"); err != nil {
		return nil, err
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
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

type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// RecognizeBatch uploads wav and returns a single final result. Non-2xx
// responses come back as resilience.StatusError so callers can retry 5xx.
func (a *Adapter) RecognizeBatch(ctx context.Context, wav []byte, opts stt.SessionOptions) (stt.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write form file: %w", err)
	}
	fields := map[string]string{"response_format": "json"}
	if lang := language(opts.Lang); lang != "" {
		fields["language"] = lang
	}
	if a.cfg.Model != "" {
		fields["model"] = a.cfg.Model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+inferencePath, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return stt.Result{}, resilience.StatusError{Provider: Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response: %w", err)
	}
	var out inferenceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	if out.Error != "" {
		return stt.Result{}, fmt.Errorf("whisper: %s", out.Error)
	}
	// whisper.cpp reports no confidence.
	return stt.NewResult(strings.TrimSpace(out.Text), 1, true, out), nil
}

// language turns a BCP-47 tag into whisper's two letter code.
func language(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

var _ stt.BatchRecognizer = (*Adapter)(nil)
