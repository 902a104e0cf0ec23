package transcode

import (
	"bytes"
	"strings"

	"github.com/MrWong99/sayless/pkg/audio"
)

// Kind is a container family recognised by [Sniff].
type Kind int

const (
	// KindUnknown is anything not recognised below; it is routed to ffmpeg.
	KindUnknown Kind = iota
	KindWAV
	KindOggOpus
	// KindOgg is an Ogg stream that does not carry Opus (e.g. Vorbis).
	KindOgg
	// KindMP4 is an ISO base media file (m4a/AAC voice notes from LINE).
	KindMP4
)

// Name returns a short label for logs and errors. For unknown content the
// caller's hint is used when present.
func (k Kind) Name(hint string) string {
	switch k {
	case KindWAV:
		return "wav"
	case KindOggOpus:
		return "ogg/opus"
	case KindOgg:
		return "ogg"
	case KindMP4:
		return "m4a"
	}
	if h := normaliseHint(hint); h != "" {
		return h
	}
	return "unknown"
}

// extension is the file suffix given to ffmpeg's staged input. ffmpeg probes
// content regardless, but mp4 demuxing is more reliable with a matching name.
func (k Kind) extension(hint string) string {
	switch k {
	case KindOgg, KindOggOpus:
		return ".ogg"
	case KindMP4:
		return ".m4a"
	case KindWAV:
		return ".wav"
	}
	if h := normaliseHint(hint); h != "" {
		return "." + h
	}
	return ".bin"
}

// Sniff classifies raw by its leading bytes. The hint only breaks ties for
// content that carries no recognisable signature.
func Sniff(raw []byte, hint string) Kind {
	switch {
	case audio.IsWAV(raw):
		return KindWAV
	case len(raw) >= 4 && string(raw[:4]) == "OggS":
		if isOpusHead(raw) {
			return KindOggOpus
		}
		return KindOgg
	case len(raw) >= 12 && string(raw[4:8]) == "ftyp":
		return KindMP4
	}

	switch normaliseHint(hint) {
	case "m4a", "mp4", "aac":
		return KindMP4
	}
	return KindUnknown
}

// isOpusHead reports whether the first Ogg page's payload is an OpusHead
// identification header.
func isOpusHead(raw []byte) bool {
	const fixed = 27
	if len(raw) < fixed {
		return false
	}
	nseg := int(raw[26])
	start := fixed + nseg
	if len(raw) < start+8 {
		return false
	}
	return bytes.Equal(raw[start:start+8], []byte("OpusHead"))
}

// normaliseHint turns "audio/x-m4a", ".M4A" or "m4a" into "m4a". Anything that
// is not a plain alphanumeric token is dropped so it cannot end up in a path.
func normaliseHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.LastIndexByte(h, '/'); i >= 0 {
		h = h[i+1:]
	}
	h = strings.TrimPrefix(h, ".")
	h = strings.TrimPrefix(h, "x-")
	if i := strings.IndexByte(h, ';'); i >= 0 {
		h = h[:i]
	}
	for _, r := range h {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return h
}
