package transcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/sayless/pkg/audio"
)

// Opus always decodes at 48 kHz regardless of the input sample rate recorded
// in the header (RFC 7845 §5.1).
const (
	opusSampleRate = 48000
	// opusMaxFrameSize is the largest frame (120 ms) in samples per channel.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// errOpusLayout marks streams whose channel mapping gopus cannot decode
// (multistream surround). The engine hands those to ffmpeg when available.
var errOpusLayout = errors.New("opus: unsupported channel mapping")

// opusHead is the identification header of an Ogg/Opus stream.
type opusHead struct {
	channels int
	preSkip  int
	mapping  byte
}

func parseOpusHead(p []byte) (opusHead, error) {
	if len(p) < 19 || !bytes.Equal(p[:8], []byte("OpusHead")) {
		return opusHead{}, errors.New("opus: missing OpusHead packet")
	}
	if v := p[8]; v>>4 != 0 {
		return opusHead{}, fmt.Errorf("opus: unsupported header version %d", v)
	}
	h := opusHead{
		channels: int(p[9]),
		preSkip:  int(binary.LittleEndian.Uint16(p[10:12])),
		mapping:  p[18],
	}
	if h.channels == 0 {
		return opusHead{}, errors.New("opus: header declares zero channels")
	}
	if h.mapping != 0 || h.channels > 2 {
		return opusHead{}, fmt.Errorf("%w: family %d, %d channels", errOpusLayout, h.mapping, h.channels)
	}
	return h, nil
}

// decodeOggOpus decodes a complete Ogg/Opus file into 48 kHz PCM with the
// stream's own channel count. maxDuration, when positive, stops decoding early
// with ErrTooLong instead of buffering an unbounded stream.
func decodeOggOpus(raw []byte, maxDuration time.Duration) (audio.Clip, error) {
	r := newOggPacketReader(raw)

	first, err := r.next()
	if err != nil {
		return audio.Clip{}, err
	}
	head, err := parseOpusHead(first)
	if err != nil {
		return audio.Clip{}, err
	}

	tags, err := r.next()
	if err != nil {
		return audio.Clip{}, err
	}
	if !bytes.HasPrefix(tags, []byte("OpusTags")) {
		return audio.Clip{}, errors.New("opus: missing OpusTags packet")
	}

	dec, err := gopus.NewDecoder(opusSampleRate, head.channels)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("opus: create decoder: %w", err)
	}

	format := audio.Format{SampleRate: opusSampleRate, Channels: head.channels}
	maxSamples := 0
	if maxDuration > 0 {
		maxSamples = int(maxDuration.Seconds()*opusSampleRate) * head.channels
	}

	var samples []int16
	for {
		packet, err := r.next()
		if err != nil {
			return audio.Clip{}, err
		}
		if packet == nil {
			break
		}
		if len(packet) == 0 {
			continue
		}
		pcm, err := dec.Decode(packet, opusMaxFrameSize, false)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("opus: decode packet: %w", err)
		}
		samples = append(samples, pcm...)
		if maxSamples > 0 && len(samples) > maxSamples {
			return audio.Clip{}, fmt.Errorf("%w: more than %s of opus audio", ErrTooLong, maxDuration)
		}
	}

	skip := head.preSkip * head.channels
	if skip >= len(samples) {
		return audio.Clip{Format: format}, nil
	}
	return audio.Clip{Format: format, PCM: audio.Int16sToBytes(samples[skip:])}, nil
}
