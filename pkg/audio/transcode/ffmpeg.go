package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/sayless/pkg/audio"
)

// ffmpeg decodes arbitrary containers by running the ffmpeg binary. The input
// is staged in a temp file because mp4/m4a demuxing needs a seekable source
// (the moov atom is usually at the end); PCM is read back from stdout.
type ffmpeg struct {
	path    string
	tempDir string
	// maxDuration, when positive, stops ffmpeg one second past it so an
	// over-long input is still recognised as such without buffering all of it.
	maxDuration time.Duration
}

func (f *ffmpeg) decode(ctx context.Context, raw []byte, ext string, target audio.Format) (audio.Clip, error) {
	in, err := os.CreateTemp(f.tempDir, "sayless-in-*"+ext)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("ffmpeg: stage input: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(raw); err != nil {
		in.Close()
		return audio.Clip{}, fmt.Errorf("ffmpeg: stage input: %w", err)
	}
	if err := in.Close(); err != nil {
		return audio.Clip{}, fmt.Errorf("ffmpeg: stage input: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.path, f.args(in.Name(), target)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Clip{}, fmt.Errorf("ffmpeg: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return audio.Clip{}, fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}

	pcm := stdout.Bytes()
	frame := target.Channels * audio.BytesPerSample
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	return audio.Clip{Format: target, PCM: pcm}, nil
}

// args builds an ffmpeg command line that writes raw s16le in the target
// format to stdout.
func (f *ffmpeg) args(input string, target audio.Format) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(target.Channels),
		"-ar", strconv.Itoa(target.SampleRate),
	}
	if f.maxDuration > 0 {
		limit := (f.maxDuration + time.Second).Seconds()
		args = append(args, "-t", strconv.FormatFloat(limit, 'f', -1, 64))
	}
	return append(args, "pipe:1")
}
