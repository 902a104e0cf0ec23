// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (OpenAI Whisper, a local
// whisper.cpp server or library, Deepgram) and turns one complete audio clip
// into text. Voice notes arrive as finished recordings, so the interface is a
// single blocking call rather than a stream.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation; the caller bounds every call with a deadline.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/sayless/pkg/audio"
)

// Options carries per-request recognition hints. Zero values mean "provider
// default".
type Options struct {
	// Language is the BCP-47 (or ISO-639-1) language of the speech, e.g. "en".
	// An empty string lets the provider auto-detect.
	Language string

	// Translate asks the provider to return English text regardless of the
	// spoken language. Providers that cannot translate return an error
	// wrapping ErrTranslateUnsupported.
	Translate bool

	// Prompt is optional context text that biases recognition (names,
	// spelling). Providers without prompt support ignore it.
	Prompt string

	// Keywords are vocabulary hints. Providers without keyword boosting
	// ignore them.
	Keywords []string
}

// Transcript is the result of a successful transcription.
type Transcript struct {
	// Text is the recognised (or translated) text.
	Text string

	// Language is the detected or requested language, when the provider
	// reports it.
	Language string

	// Confidence is in [0.0, 1.0] when reported; 0 otherwise.
	Confidence float64

	// Duration is the length of audio the provider processed.
	Duration time.Duration
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts clip to text. The clip is 16-bit PCM in any format;
	// providers convert as needed. An empty transcript is not an error.
	Transcribe(ctx context.Context, clip audio.Clip, opts Options) (Transcript, error)
}

// ErrTranslateUnsupported is returned (wrapped) by providers that cannot
// translate to English.
var ErrTranslateUnsupported = errors.New("stt: translation to English is not supported by this provider")
