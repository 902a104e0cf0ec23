// Package openai provides an STT provider backed by the OpenAI audio API
// (whisper-1 and the gpt-4o transcribe models).
//
// With stt.Options.Translate set, the clip is sent to the translations
// endpoint and the result is always English. Otherwise the transcriptions
// endpoint returns text in the spoken language.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio endpoints.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for a
// self-hosted server that speaks the same audio API.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs an OpenAI STT Provider. An empty model selects whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Transcribe implements stt.Provider. The clip is uploaded as a 16 kHz mono
// WAV file.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error) {
	speech, err := audio.Convert(clip, audio.Speech)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: %w", err)
	}
	file := oai.File(bytes.NewReader(audio.EncodeWAV(speech)), "audio.wav", "audio/wav")
	prompt := promptOf(opts)

	var text string
	if opts.Translate {
		params := oai.AudioTranslationNewParams{
			File:  file,
			Model: oai.AudioModel(p.model),
		}
		if prompt != "" {
			params.Prompt = oai.String(prompt)
		}
		resp, err := p.client.Audio.Translations.New(ctx, params)
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("openai stt: translate: %w", err)
		}
		text = resp.Text
	} else {
		params := oai.AudioTranscriptionNewParams{
			File:  file,
			Model: oai.AudioModel(p.model),
		}
		if opts.Language != "" {
			params.Language = oai.String(opts.Language)
		}
		if prompt != "" {
			params.Prompt = oai.String(prompt)
		}
		resp, err := p.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
		}
		text = resp.Text
	}

	lang := opts.Language
	if opts.Translate {
		lang = "en"
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(text),
		Language: lang,
		Duration: speech.Duration(),
	}, nil
}

func promptOf(opts stt.Options) string {
	if len(opts.Keywords) == 0 {
		return opts.Prompt
	}
	return strings.TrimSpace(opts.Prompt + " " + strings.Join(opts.Keywords, ", "))
}
