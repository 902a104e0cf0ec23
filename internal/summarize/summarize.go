// Package summarize condenses a voice-note transcript into a short summary
// with an LLM.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/sayless/pkg/provider/llm"
)

// Defaults used when no prompt is configured.
const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultPrompt       = "Summarize the following text:"
)

// ErrEmptySummary is returned when the model produced no text.
var ErrEmptySummary = errors.New("summarize: model returned an empty summary")

// Summarizer produces a summary of a transcript.
type Summarizer interface {
	// Summarize returns a summary of text. An empty (or whitespace-only) text
	// yields an empty summary without contacting any backend.
	Summarize(ctx context.Context, text string) (string, error)
}

// Option is a functional option for [LLMSummarizer].
type Option func(*LLMSummarizer)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(s *LLMSummarizer) {
		if p != "" {
			s.system = p
		}
	}
}

// WithPrompt replaces [DefaultPrompt], the instruction placed before the
// transcript in the user message.
func WithPrompt(p string) Option {
	return func(s *LLMSummarizer) {
		if p != "" {
			s.prompt = p
		}
	}
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) Option {
	return func(s *LLMSummarizer) { s.temperature = t }
}

// WithMaxTokens caps the summary length in tokens.
func WithMaxTokens(n int) Option {
	return func(s *LLMSummarizer) { s.maxTokens = n }
}

// LLMSummarizer implements [Summarizer] on top of an [llm.Provider].
type LLMSummarizer struct {
	llm         llm.Provider
	system      string
	prompt      string
	temperature float64
	maxTokens   int
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates an [LLMSummarizer] backed by provider.
func NewLLMSummarizer(provider llm.Provider, opts ...Option) *LLMSummarizer {
	s := &LLMSummarizer{
		llm:    provider,
		system: DefaultSystemPrompt,
		prompt: DefaultPrompt,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize implements [Summarizer].
func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.system,
		Messages:     []llm.Message{llm.UserMessage(s.Prompt(text))},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}

// Prompt returns the user message sent for text.
func (s *LLMSummarizer) Prompt(text string) string {
	return s.prompt + "\n\n" + text
}
