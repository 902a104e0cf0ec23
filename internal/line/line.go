// Package line is the LINE Messaging API transport: a webhook handler that
// verifies and admits voice messages, a content fetcher for their audio, and
// a [delivery.Replier] that answers through the reply API.
//
// The webhook acknowledges a delivery with 200 as soon as its signature and
// body check out. Events are then processed in the background, in the order
// LINE sent them, so slow transcriptions never trip LINE's webhook timeout.
package line

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/MrWong99/sayless/internal/delivery"
)

// MaxReplyRunes is the longest text message LINE accepts.
const MaxReplyRunes = 5000

// DefaultMaxContentBytes bounds a downloaded voice message.
const DefaultMaxContentBytes = 20 << 20

// ErrAuthentication is returned for webhook requests whose X-Line-Signature
// does not match the channel secret.
var ErrAuthentication = errors.New("line: invalid webhook signature")

// ErrContentTooLarge is returned when message content exceeds the configured
// limit.
var ErrContentTooLarge = errors.New("line: message content too large")

// ── Content ──────────────────────────────────────────────────────────────────

// ContentFetcher downloads the binary content of a message.
type ContentFetcher interface {
	Fetch(ctx context.Context, messageID string) ([]byte, error)
}

// BlobFetcher fetches content through the Messaging API data endpoint.
type BlobFetcher struct {
	api      *messaging_api.MessagingApiBlobAPI
	maxBytes int64
}

var _ ContentFetcher = (*BlobFetcher)(nil)

// ClientOption configures the SDK clients built by [NewBlobFetcher] and
// [NewReplier].
type ClientOption func(*clientConfig)

type clientConfig struct {
	endpoint string
	client   *http.Client
	maxBytes int64
}

// WithEndpoint overrides the API base URL (tests, proxies).
func WithEndpoint(url string) ClientOption {
	return func(c *clientConfig) { c.endpoint = url }
}

// WithHTTPClient sets the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.client = hc }
}

// WithMaxContentBytes bounds downloaded content. Default:
// [DefaultMaxContentBytes].
func WithMaxContentBytes(n int64) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

func buildConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: DefaultMaxContentBytes,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// NewBlobFetcher creates a fetcher authenticated with the channel access
// token.
func NewBlobFetcher(accessToken string, opts ...ClientOption) (*BlobFetcher, error) {
	cfg := buildConfig(opts)
	blobOpts := []messaging_api.MessagingApiBlobAPIOption{messaging_api.WithBlobHTTPClient(cfg.client)}
	if cfg.endpoint != "" {
		blobOpts = append(blobOpts, messaging_api.WithBlobEndpoint(cfg.endpoint))
	}
	api, err := messaging_api.NewMessagingApiBlobAPI(accessToken, blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("line: create blob client: %w", err)
	}
	return &BlobFetcher{api: api, maxBytes: cfg.maxBytes}, nil
}

// Fetch implements [ContentFetcher]. ctx bounds the request and the body
// read, on top of the HTTP client's timeout.
func (f *BlobFetcher) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	// WithContext mutates the SDK client, so each call binds a copy.
	api := *f.api
	resp, err := api.WithContext(ctx).GetMessageContent(messageID)
	if err != nil {
		return nil, fmt.Errorf("line: get content of %s: %w", messageID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("line: read content of %s: %w", messageID, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrContentTooLarge, f.maxBytes)
	}
	return data, nil
}

// ── Replies ──────────────────────────────────────────────────────────────────

// Replier answers with a single text message through the reply API.
type Replier struct {
	api *messaging_api.MessagingApiAPI
}

var _ delivery.Replier = (*Replier)(nil)

// NewReplier creates a Replier authenticated with the channel access token.
func NewReplier(accessToken string, opts ...ClientOption) (*Replier, error) {
	cfg := buildConfig(opts)
	apiOpts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(cfg.client)}
	if cfg.endpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(cfg.endpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(accessToken, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("line: create messaging client: %w", err)
	}
	return &Replier{api: api}, nil
}

// Reply implements [delivery.Replier]. Text longer than [MaxReplyRunes] is
// truncated. Reply tokens are single use and expire, so nothing is retried.
// ctx bounds the request.
func (r *Replier) Reply(ctx context.Context, to delivery.Target, text string) error {
	fail := func(err error) error {
		return &delivery.DeliveryError{Platform: delivery.PlatformLINE, Err: err}
	}
	if to.ReplyToken == "" {
		return fail(errors.New("missing reply token"))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	api := *r.api
	_, err := api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: to.ReplyToken,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: delivery.Truncate(text, MaxReplyRunes)},
		},
	})
	if err != nil {
		return fail(err)
	}
	return nil
}
