package summarize

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/sayless/pkg/provider/llm"
	llmmock "github.com/MrWong99/sayless/pkg/provider/llm/mock"
)

func TestLLMSummarizer_Summarize(t *testing.T) {
	t.Parallel()

	t.Run("empty text makes no call", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{}
		s := NewLLMSummarizer(p)

		for _, in := range []string{"", "  \n\t"} {
			got, err := s.Summarize(context.Background(), in)
			if err != nil || got != "" {
				t.Errorf("Summarize(%q) = %q, %v; want empty, nil", in, got, err)
			}
		}
		if p.CallCount() != 0 {
			t.Errorf("expected no LLM calls, got %d", p.CallCount())
		}
	})

	t.Run("default prompts", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "  They will be late.\n"}}
		s := NewLLMSummarizer(p)

		got, err := s.Summarize(context.Background(), " Sorry, traffic is terrible, I'll be an hour late. ")
		if err != nil {
			t.Fatalf("Summarize: %v", err)
		}
		if got != "They will be late." {
			t.Errorf("summary = %q", got)
		}

		if p.CallCount() != 1 {
			t.Fatalf("expected 1 Complete call, got %d", p.CallCount())
		}
		req := p.Calls[0].Req
		if req.SystemPrompt != "You are a helpful assistant." {
			t.Errorf("system prompt = %q", req.SystemPrompt)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Fatalf("messages = %+v, want one user message", req.Messages)
		}
		want := "Summarize the following text:\n\nSorry, traffic is terrible, I'll be an hour late."
		if req.Messages[0].Content != want {
			t.Errorf("user message = %q, want %q", req.Messages[0].Content, want)
		}
	})

	t.Run("options", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "ok"}}
		s := NewLLMSummarizer(p,
			WithSystemPrompt("Be terse."),
			WithPrompt("TL;DR:"),
			WithTemperature(0.2),
			WithMaxTokens(120),
			WithPrompt(""), // ignored
		)
		if _, err := s.Summarize(context.Background(), "hello"); err != nil {
			t.Fatal(err)
		}
		req := p.Calls[0].Req
		if req.SystemPrompt != "Be terse." || req.Messages[0].Content != "TL;DR:\n\nhello" {
			t.Errorf("request = %+v", req)
		}
		if req.Temperature != 0.2 || req.MaxTokens != 120 {
			t.Errorf("temperature/max tokens = %v/%d", req.Temperature, req.MaxTokens)
		}
	})

	t.Run("provider error is wrapped", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("rate limited")
		s := NewLLMSummarizer(&llmmock.Provider{Err: boom})
		_, err := s.Summarize(context.Background(), "hello")
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapping %v", err, boom)
		}
	})

	t.Run("blank completion is an error", func(t *testing.T) {
		t.Parallel()
		s := NewLLMSummarizer(&llmmock.Provider{Response: &llm.CompletionResponse{Content: " "}})
		_, err := s.Summarize(context.Background(), "hello")
		if !errors.Is(err, ErrEmptySummary) {
			t.Errorf("err = %v, want ErrEmptySummary", err)
		}
	})
}
