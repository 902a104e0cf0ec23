package audio

import "fmt"

// Concat joins clips end to end in the order given. All clips must share one
// format; an empty argument list yields an empty clip in the [Speech] format.
// The inputs are never modified.
func Concat(clips ...Clip) (Clip, error) {
	if len(clips) == 0 {
		return Clip{Format: Speech}, nil
	}

	format := clips[0].Format
	total := 0
	for i, c := range clips {
		if c.Format != format {
			return Clip{}, fmt.Errorf("audio: concat: clip %d is %s, want %s", i, c.Format, format)
		}
		if err := c.Validate(); err != nil {
			return Clip{}, fmt.Errorf("audio: concat: clip %d: %w", i, err)
		}
		total += len(c.PCM)
	}

	pcm := make([]byte, 0, total)
	for _, c := range clips {
		pcm = append(pcm, c.PCM...)
	}
	return Clip{Format: format, PCM: pcm}, nil
}
