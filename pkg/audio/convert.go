package audio

import (
	"fmt"
)

// Convert returns c in the target format. Channel reduction happens before
// resampling so that multi-channel input is only resampled once. If the clip
// already matches target it is returned unchanged (zero allocation).
//
// Only down-mixing to mono and mono up-mixing are supported; any other channel
// change is an error.
func Convert(c Clip, target Format) (Clip, error) {
	if err := c.Validate(); err != nil {
		return Clip{}, err
	}
	if !target.IsValid() {
		return Clip{}, fmt.Errorf("audio: invalid target format %s", target)
	}
	if c.Format == target {
		return c, nil
	}

	pcm := c.PCM
	channels := c.Format.Channels

	switch {
	case channels == target.Channels:
	case target.Channels == 1:
		pcm = ToMono(pcm, channels)
		channels = 1
	case channels == 1:
		// Up-mix after resampling so fewer samples are interpolated.
	default:
		return Clip{}, fmt.Errorf("audio: cannot convert %s to %s", c.Format, target)
	}

	pcm = Resample16(pcm, channels, c.Format.SampleRate, target.SampleRate)

	if channels == 1 && target.Channels > 1 {
		pcm = Upmix(pcm, target.Channels)
	}

	return Clip{Format: target, PCM: pcm}, nil
}

// ToMono averages every frame of interleaved int16 PCM down to one sample.
// Uses int32 arithmetic to prevent overflow; the mean of int16 values always
// fits back into int16.
func ToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for ch := range channels {
			off := base + ch*BytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := int16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Upmix duplicates each mono sample into channels identical samples.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / BytesPerSample
	out := make([]byte, samples*channels*BytesPerSample)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * BytesPerSample
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. If the rates are equal
// or either is non-positive the input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	if srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)

	sampleAt := func(frame, ch int) int16 {
		off := frame*frameBytes + ch*BytesPerSample
		return int16(pcm[off]) | int16(pcm[off+1])<<8
	}

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := sampleAt(srcIdx, ch)
			s1 := sampleAt(next, ch)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			off := i*frameBytes + ch*BytesPerSample
			out[off] = byte(v)
			out[off+1] = byte(v >> 8)
		}
	}
	return out
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Float32Mono converts 16-bit PCM to mono float32 samples normalised to
// [-1.0, 1.0), down-mixing multi-channel input first.
func Float32Mono(c Clip) []float32 {
	pcm := ToMono(c.PCM, c.Format.Channels)
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}
