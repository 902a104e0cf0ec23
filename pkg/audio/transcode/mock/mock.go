// Package mock provides a test double for the transcode.Transcoder interface.
//
// Transcoder decodes by looking the raw bytes up in Clips, so tests can map
// synthetic payloads ("clip-A") to known PCM without real audio files.
//
// Example:
//
//	tc := &mock.Transcoder{
//	    Clips: map[string]audio.Clip{"clip-A": silence2s},
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/audio/transcode"
)

// DecodeCall records a single invocation of Decode.
type DecodeCall struct {
	Raw  []byte
	Hint string
}

// Transcoder is a mock implementation of transcode.Transcoder.
// Safe for concurrent use.
type Transcoder struct {
	mu sync.Mutex

	// Clips maps string(raw) to the decoded clip. Unknown payloads fail with a
	// *transcode.DecodeError wrapping transcode.ErrUnsupportedFormat.
	Clips map[string]audio.Clip

	// DecodeErr, if non-nil, is returned (wrapped in a *transcode.DecodeError)
	// from every Decode call.
	DecodeErr error

	// ConcatErr, if non-nil, is returned from Concatenate.
	ConcatErr error

	// DecodeHook, if set, runs at the start of Decode (after recording). Tests
	// use it to block or to observe ordering.
	DecodeHook func(ctx context.Context, raw []byte)

	// DecodeCalls records every invocation of Decode in order.
	DecodeCalls []DecodeCall

	// ConcatCalls records the clips passed to every Concatenate call.
	ConcatCalls [][]audio.Clip
}

var _ transcode.Transcoder = (*Transcoder)(nil)

// Decode implements transcode.Transcoder.
func (m *Transcoder) Decode(ctx context.Context, raw []byte, hint string) (audio.Clip, error) {
	m.mu.Lock()
	m.DecodeCalls = append(m.DecodeCalls, DecodeCall{Raw: append([]byte(nil), raw...), Hint: hint})
	hook := m.DecodeHook
	decodeErr := m.DecodeErr
	clip, ok := m.Clips[string(raw)]
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, raw)
	}
	if decodeErr != nil {
		return audio.Clip{}, &transcode.DecodeError{Format: hint, Err: decodeErr}
	}
	if !ok {
		return audio.Clip{}, &transcode.DecodeError{
			Format: hint,
			Err:    fmt.Errorf("%w: %q", transcode.ErrUnsupportedFormat, raw),
		}
	}
	return clip, nil
}

// Concatenate implements transcode.Transcoder using audio.Concat.
func (m *Transcoder) Concatenate(clips []audio.Clip) (audio.Clip, error) {
	m.mu.Lock()
	m.ConcatCalls = append(m.ConcatCalls, append([]audio.Clip(nil), clips...))
	err := m.ConcatErr
	m.mu.Unlock()
	if err != nil {
		return audio.Clip{}, err
	}
	return audio.Concat(clips...)
}

// DecodeCallCount returns the number of Decode calls so far.
func (m *Transcoder) DecodeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DecodeCalls)
}
