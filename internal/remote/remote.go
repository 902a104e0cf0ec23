// Package remote wraps the two blocking backend calls of a flush, speech to
// text and summarisation, behind one stateless adapter with independent error
// surfaces.
//
// Every call runs under its own deadline. A call that exceeds it, or that the
// backend rejects, fails with [*TranscriptionError] or [*SummarizationError];
// the caller decides what to substitute. Nothing here retries: provider
// failover lives in the providers handed to [New] (see the resilience
// package).
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sayless/internal/observe"
	"github.com/MrWong99/sayless/internal/summarize"
	"github.com/MrWong99/sayless/internal/transcript"
	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

// Default per-call deadlines.
const (
	DefaultTranscribeTimeout = 2 * time.Minute
	DefaultSummarizeTimeout  = time.Minute
)

// TranscriptionError reports a failed or timed-out speech-to-text call.
type TranscriptionError struct {
	Provider string
	Err      error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("remote: transcribe via %s: %v", e.Provider, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *TranscriptionError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// SummarizationError reports a failed or timed-out summarisation call.
type SummarizationError struct {
	Provider string
	Err      error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("remote: summarize via %s: %v", e.Provider, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *SummarizationError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Service is the interface the aggregator depends on.
type Service interface {
	// Transcribe turns clip into text. An empty string means no speech was
	// recognised and is not an error. Failures are *TranscriptionError.
	Transcribe(ctx context.Context, clip audio.Clip) (string, error)

	// Summarize condenses text. Failures are *SummarizationError.
	Summarize(ctx context.Context, text string) (string, error)
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithTranscribeTimeout bounds each Transcribe call. Non-positive values keep
// the default.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.transcribeTimeout = d
		}
	}
}

// WithSummarizeTimeout bounds each Summarize call. Non-positive values keep the
// default.
func WithSummarizeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.summarizeTimeout = d
		}
	}
}

// WithSTTOptions sets the recognition hints sent with every transcription.
func WithSTTOptions(o stt.Options) Option {
	return func(p *Pipeline) { p.sttOpts = o }
}

// WithCorrector applies vocabulary correction to every transcript.
func WithCorrector(c *transcript.Corrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// WithProviderNames sets the names reported in errors, metrics and spans.
func WithProviderNames(sttName, llmName string) Option {
	return func(p *Pipeline) {
		if sttName != "" {
			p.sttName = sttName
		}
		if llmName != "" {
			p.llmName = llmName
		}
	}
}

// WithMetrics records latencies and provider counters to m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the production [Service]. It holds no per-call state and is safe
// for concurrent use.
type Pipeline struct {
	stt        stt.Provider
	summarizer summarize.Summarizer
	corrector  *transcript.Corrector
	sttOpts    stt.Options

	transcribeTimeout time.Duration
	summarizeTimeout  time.Duration

	sttName string
	llmName string
	metrics *observe.Metrics
}

var _ Service = (*Pipeline)(nil)

// New creates a Pipeline transcribing with s and summarising with sum.
func New(s stt.Provider, sum summarize.Summarizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		stt:               s,
		summarizer:        sum,
		transcribeTimeout: DefaultTranscribeTimeout,
		summarizeTimeout:  DefaultSummarizeTimeout,
		sttName:           "stt",
		llmName:           "llm",
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Transcribe implements [Service].
func (p *Pipeline) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	ctx, span := observe.StartSpan(ctx, "remote.transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.sttName),
		attribute.Float64("audio.seconds", clip.Duration().Seconds()),
	)

	start := time.Now()
	tr, err := bounded(ctx, p.transcribeTimeout, func(ctx context.Context) (stt.Transcript, error) {
		return p.stt.Transcribe(ctx, clip, p.sttOpts)
	})
	p.record(ctx, p.sttName, "stt", p.metrics.STTDuration, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", &TranscriptionError{Provider: p.sttName, Err: err}
	}

	text := strings.TrimSpace(tr.Text)
	if p.corrector != nil && text != "" {
		var fixes []transcript.Correction
		text, fixes = p.corrector.Correct(text)
		if len(fixes) > 0 {
			observe.Logger(ctx).Debug("vocabulary corrections applied", "count", len(fixes))
		}
	}
	return text, nil
}

// Summarize implements [Service].
func (p *Pipeline) Summarize(ctx context.Context, text string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "remote.summarize")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.llmName),
		attribute.Int("text.length", len(text)),
	)

	start := time.Now()
	out, err := bounded(ctx, p.summarizeTimeout, func(ctx context.Context) (string, error) {
		return p.summarizer.Summarize(ctx, text)
	})
	p.record(ctx, p.llmName, "llm", p.metrics.LLMDuration, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarization failed")
		return "", &SummarizationError{Provider: p.llmName, Err: err}
	}
	return out, nil
}

func (p *Pipeline) record(ctx context.Context, provider, kind string, h metric.Float64Histogram, took time.Duration, err error) {
	h.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, provider, kind)
	}
	p.metrics.RecordProviderRequest(ctx, provider, kind, status)
}

type outcome[T any] struct {
	val T
	err error
}

// bounded runs fn under a deadline of d. It returns when fn does or when the
// deadline passes, whichever is first, so a backend that ignores its context
// cannot hold the flush past d. The returned error wraps the context error on
// timeout.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && !errors.Is(r.err, ctx.Err()) {
			r.err = fmt.Errorf("%w: %w", ctx.Err(), r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("gave up after %s: %w", d, ctx.Err())
	}
}
