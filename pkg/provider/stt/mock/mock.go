// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to verify which audio the caller submits for transcription and
// to feed controlled transcripts or errors without a live backend.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	tr, err := p.Transcribe(ctx, clip, stt.Options{})
//	// p.Calls[0].Clip holds the submitted audio.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Clip is a copy of the audio passed to Transcribe.
	Clip audio.Clip
	// Opts is the Options value passed to Transcribe.
	Opts stt.Options
}

// Provider is a mock implementation of stt.Provider.
// Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil and Func is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Func, if set, computes the result instead of Result/Err. It runs outside
	// the mock's lock so it may block (e.g. until ctx is done).
	Func func(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error)

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error) {
	p.mu.Lock()
	cp := audio.Clip{Format: clip.Format, PCM: append([]byte(nil), clip.PCM...)}
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Clip: cp, Opts: opts})
	fn, res, err := p.Func, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, clip, opts)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call. It panics if there were none.
func (p *Provider) LastCall() TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[len(p.Calls)-1]
}
