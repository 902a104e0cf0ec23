// Package audio holds the PCM primitives shared by the transcoder, the session
// store and the speech-to-text providers.
//
// All audio inside the process is 16-bit signed little-endian PCM. A [Clip]
// pairs the raw bytes with the [Format] needed to interpret them.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is fixed at 2 for 16-bit PCM.
const BytesPerSample = 2

// Speech is the format every decoded segment is normalised to before it is
// stored or sent to a transcription backend.
var Speech = Format{SampleRate: 16000, Channels: 1}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// IsValid reports whether f describes a usable PCM layout.
func (f Format) IsValid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a compact representation like "16000Hz/1ch".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// frameSize is the number of bytes holding one sample for every channel.
func (f Format) frameSize() int {
	return f.Channels * BytesPerSample
}

// Clip is a block of 16-bit little-endian PCM in a known format.
type Clip struct {
	Format Format
	PCM    []byte
}

// Frames returns the number of sample frames in the clip.
func (c Clip) Frames() int {
	fs := c.Format.frameSize()
	if fs <= 0 {
		return 0
	}
	return len(c.PCM) / fs
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.Format.SampleRate)
}

// Empty reports whether the clip has no complete sample frame.
func (c Clip) Empty() bool {
	return c.Frames() == 0
}

// Validate checks that the clip's format is usable and that its PCM length is
// a whole number of frames.
func (c Clip) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("audio: invalid format %s", c.Format)
	}
	if len(c.PCM)%c.Format.frameSize() != 0 {
		return fmt.Errorf("audio: %d bytes is not a whole number of %s frames", len(c.PCM), c.Format)
	}
	return nil
}

func formatString(rate, channels int) string {
	return fmt.Sprintf("%dHz/%dch", rate, channels)
}
