package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DefaultMaxAttachmentBytes bounds a downloaded voice message.
const DefaultMaxAttachmentBytes = 25 << 20

// ErrAttachmentTooLarge is returned when an attachment exceeds the limit.
var ErrAttachmentTooLarge = errors.New("discord: attachment too large")

// AudioFormat returns the format hint for an audio attachment and whether
// the attachment is audio at all. Voice messages are Ogg/Opus.
func AudioFormat(a *discordgo.MessageAttachment) (string, bool) {
	if a == nil {
		return "", false
	}
	if strings.HasPrefix(a.ContentType, "audio/") {
		sub := strings.TrimPrefix(a.ContentType, "audio/")
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		return sub, true
	}
	switch ext := strings.ToLower(filepath.Ext(a.Filename)); ext {
	case ".ogg", ".oga", ".opus", ".mp3", ".m4a", ".wav", ".webm", ".flac", ".aac":
		return strings.TrimPrefix(ext, "."), true
	}
	return "", false
}

// Downloader fetches attachment content.
type Downloader interface {
	Download(ctx context.Context, a *discordgo.MessageAttachment) ([]byte, error)
}

// HTTPDownloader downloads attachments from Discord's CDN.
type HTTPDownloader struct {
	Client   *http.Client
	MaxBytes int64
}

var _ Downloader = (*HTTPDownloader)(nil)

// NewHTTPDownloader returns a downloader with a 60 s client timeout and
// [DefaultMaxAttachmentBytes].
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{
		Client:   &http.Client{Timeout: 60 * time.Second},
		MaxBytes: DefaultMaxAttachmentBytes,
	}
}

// Download implements [Downloader].
func (d *HTTPDownloader) Download(ctx context.Context, a *discordgo.MessageAttachment) ([]byte, error) {
	if a == nil {
		return nil, errors.New("discord: attachment is nil")
	}
	if d.MaxBytes > 0 && int64(a.Size) > d.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, a.Size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: create download request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download attachment: status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if d.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, d.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("discord: read attachment: %w", err)
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrAttachmentTooLarge, d.MaxBytes)
	}
	return data, nil
}
