// Package transcode turns the raw bytes of an inbound voice message into
// normalised PCM and joins decoded segments back together.
//
// Three decoders are tried by content sniffing:
//
//   - RIFF/WAVE with 16-bit PCM is parsed natively;
//   - Ogg/Opus (Discord and Telegram voice notes) is demuxed natively and
//     decoded with gopus;
//   - everything else (LINE's m4a/AAC, mp3, webm, …) goes through an ffmpeg
//     binary when one is configured.
//
// Every decoded clip is converted to the engine's target format (16 kHz mono by
// default) so that segments from different sources can be concatenated.
//
// Usage:
//
//	eng := transcode.New(transcode.WithFFmpeg("ffmpeg"), transcode.WithConcurrency(4))
//	clip, err := eng.Decode(ctx, raw, "m4a")
//	combined, err := eng.Concatenate([]audio.Clip{a, b})
package transcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/sayless/pkg/audio"
)

// Sentinel causes carried inside a [DecodeError].
var (
	ErrEmptyInput        = errors.New("transcode: no audio data")
	ErrUnsupportedFormat = errors.New("transcode: unsupported audio format")
	ErrTooLarge          = errors.New("transcode: input exceeds size limit")
	ErrTooLong           = errors.New("transcode: audio exceeds duration limit")
)

// DecodeError reports that raw audio could not be turned into PCM. It is the
// only error kind returned by [Engine.Decode].
type DecodeError struct {
	// Format is the detected (or hinted) container, e.g. "wav", "ogg/opus", "m4a".
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transcode: decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Transcoder is the interface the aggregator depends on.
type Transcoder interface {
	// Decode converts raw container bytes into a PCM clip. formatHint is the
	// platform's declared format (file extension or MIME subtype) and is only
	// consulted when the bytes themselves are not recognised.
	Decode(ctx context.Context, raw []byte, formatHint string) (audio.Clip, error)

	// Concatenate joins clips in the order given.
	Concatenate(clips []audio.Clip) (audio.Clip, error)
}

// Compile-time assertion that Engine implements Transcoder.
var _ Transcoder = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithTarget sets the output format of every decoded clip. Defaults to
// [audio.Speech].
func WithTarget(f audio.Format) Option {
	return func(e *Engine) {
		if f.IsValid() {
			e.target = f
		}
	}
}

// WithFFmpeg enables the ffmpeg fallback decoder using the binary at path
// (looked up in $PATH when it has no separator). Without it, formats other than
// WAV and Ogg/Opus fail with ErrUnsupportedFormat.
func WithFFmpeg(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.ffmpeg = &ffmpeg{path: path}
		}
	}
}

// WithTempDir sets where the ffmpeg decoder stages its input file. Defaults to
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(e *Engine) {
		e.tempDir = dir
	}
}

// WithMaxInputBytes rejects raw inputs larger than n bytes. Zero disables the
// check.
func WithMaxInputBytes(n int) Option {
	return func(e *Engine) {
		e.maxInputBytes = n
	}
}

// WithMaxDuration rejects clips that decode to more than d of audio. The
// ffmpeg decoder stops one second past d instead of converting the whole
// input. Zero disables the check.
func WithMaxDuration(d time.Duration) Option {
	return func(e *Engine) {
		e.maxDuration = d
	}
}

// WithConcurrency bounds how many decodes may run at once. Decoding is CPU
// bound; extra callers wait (respecting their context). Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// Engine is the production [Transcoder]. It is stateless apart from its
// configuration and safe for concurrent use.
type Engine struct {
	target        audio.Format
	ffmpeg        *ffmpeg
	tempDir       string
	maxInputBytes int
	maxDuration   time.Duration
	sem           *semaphore.Weighted
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{target: audio.Speech}
	for _, o := range opts {
		o(e)
	}
	if e.ffmpeg != nil {
		e.ffmpeg.tempDir = e.tempDir
		e.ffmpeg.maxDuration = e.maxDuration
	}
	return e
}

// Target returns the format produced by Decode.
func (e *Engine) Target() audio.Format { return e.target }

// Decode implements [Transcoder]. Every failure is returned as a *DecodeError.
// No file created while decoding outlives the call.
func (e *Engine) Decode(ctx context.Context, raw []byte, formatHint string) (audio.Clip, error) {
	kind := Sniff(raw, formatHint)
	fail := func(err error) (audio.Clip, error) {
		return audio.Clip{}, &DecodeError{Format: kind.Name(formatHint), Err: err}
	}

	if len(raw) == 0 {
		return fail(ErrEmptyInput)
	}
	if e.maxInputBytes > 0 && len(raw) > e.maxInputBytes {
		return fail(fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(raw), e.maxInputBytes))
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fail(err)
		}
		defer e.sem.Release(1)
	}

	clip, err := e.decode(ctx, kind, raw, formatHint)
	if err != nil {
		return fail(err)
	}

	clip, err = audio.Convert(clip, e.target)
	if err != nil {
		return fail(err)
	}
	if clip.Empty() {
		return fail(ErrEmptyInput)
	}
	if e.maxDuration > 0 && clip.Duration() > e.maxDuration {
		return fail(fmt.Errorf("%w: %s > %s", ErrTooLong, clip.Duration().Round(time.Millisecond), e.maxDuration))
	}
	return clip, nil
}

func (e *Engine) decode(ctx context.Context, kind Kind, raw []byte, hint string) (audio.Clip, error) {
	switch kind {
	case KindWAV:
		return audio.DecodeWAV(raw)
	case KindOggOpus:
		clip, err := decodeOggOpus(raw, e.maxDuration)
		if errors.Is(err, errOpusLayout) && e.ffmpeg != nil {
			return e.ffmpeg.decode(ctx, raw, ".ogg", e.target)
		}
		return clip, err
	default:
		if e.ffmpeg == nil {
			return audio.Clip{}, ErrUnsupportedFormat
		}
		return e.ffmpeg.decode(ctx, raw, kind.extension(hint), e.target)
	}
}

// Concatenate implements [Transcoder]. The result equals the clips joined in
// slice order; nothing is ever reordered.
func (e *Engine) Concatenate(clips []audio.Clip) (audio.Clip, error) {
	if len(clips) == 0 {
		return audio.Clip{Format: e.target}, nil
	}
	combined, err := audio.Concat(clips...)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("transcode: concatenate %d clips: %w", len(clips), err)
	}
	return combined, nil
}
