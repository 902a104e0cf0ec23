package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by DecodeWAV when the input is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

const wavHeaderSize = 44

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// EncodeWAV wraps the clip's PCM in a canonical 44-byte RIFF/WAV header.
func EncodeWAV(c Clip) []byte {
	const bps = 16
	sampleRate := c.Format.SampleRate
	channels := c.Format.Channels
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(c.PCM)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], c.PCM)

	return buf
}

// DecodeWAV parses a RIFF/WAVE byte stream holding 16-bit integer PCM.
// Chunks other than "fmt " and "data" (LIST, fact, …) are skipped. A data
// chunk whose declared size runs past the end of the input is truncated to
// what is present, which is how streaming encoders that never patch the
// header leave their files.
func DecodeWAV(b []byte) (Clip, error) {
	if !IsWAV(b) {
		return Clip{}, ErrNotWAV
	}

	var (
		format  Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(b) {
			size = len(b) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			tag := binary.LittleEndian.Uint16(b[body : body+2])
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which ffmpeg writes for >2 channels.
			if tag != 1 && tag != 0xFFFE {
				return Clip{}, fmt.Errorf("audio: wav format tag %#x is not integer PCM", tag)
			}
			if bits != 16 {
				return Clip{}, fmt.Errorf("audio: wav has %d bits per sample, want 16", bits)
			}
			format = Format{
				Channels:   int(binary.LittleEndian.Uint16(b[body+2 : body+4])),
				SampleRate: int(binary.LittleEndian.Uint32(b[body+4 : body+8])),
			}
			if !format.IsValid() {
				return Clip{}, fmt.Errorf("audio: wav declares invalid format %s", format)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Clip{}, errors.New("audio: wav data chunk precedes fmt chunk")
			}
			pcm := b[body : body+size]
			pcm = pcm[:len(pcm)-len(pcm)%format.frameSize()]
			out := make([]byte, len(pcm))
			copy(out, pcm)
			return Clip{Format: format, PCM: out}, nil
		}

		// Chunks are word-aligned.
		pos = body + size + size%2
	}

	if !haveFmt {
		return Clip{}, errors.New("audio: wav has no fmt chunk")
	}
	return Clip{}, errors.New("audio: wav has no data chunk")
}
