package line

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/observe"
)

// FormatHint is the container LINE uses for voice messages.
const FormatHint = "m4a"

// Sink receives admitted voice messages. *aggregator.Aggregator implements it.
type Sink interface {
	Handle(ctx context.Context, ev aggregator.Event) aggregator.Result
	Reject(ctx context.Context, ev aggregator.Event, cause error) aggregator.Result
}

var _ Sink = (*aggregator.Aggregator)(nil)

// Webhook is the http.Handler for LINE's webhook endpoint.
type Webhook struct {
	secret  string
	sink    Sink
	content ContentFetcher

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewWebhook creates a Webhook verifying requests with channelSecret,
// downloading audio with content and handing events to sink.
func NewWebhook(channelSecret string, sink Sink, content ContentFetcher) *Webhook {
	return &Webhook{secret: channelSecret, sink: sink, content: content}
}

// ServeHTTP implements http.Handler.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	cb, err := webhook.ParseRequest(h.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			log.Warn("rejected webhook", "err", ErrAuthentication, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		log.Error("could not parse webhook body", "err", err)
		http.Error(w, "bad request body", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	// The request context ends with the response; keep its values only.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.wg.Done()
		h.process(ctx, cb.Events)
	}()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Close stops admitting webhook deliveries and waits for the accepted ones
// to be handed to the sink, or for ctx to expire.
func (h *Webhook) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("line: drain webhooks: %w", ctx.Err())
	}
}

// process handles the events of one delivery in order.
func (h *Webhook) process(ctx context.Context, events []webhook.EventInterface) {
	for _, e := range events {
		me, ok := e.(webhook.MessageEvent)
		if !ok {
			continue
		}
		msg, ok := me.Message.(webhook.AudioMessageContent)
		if !ok {
			observe.Logger(ctx).Debug("ignoring non-audio message", "type", fmt.Sprintf("%T", me.Message))
			continue
		}
		h.handleAudio(ctx, me, msg)
	}
}

func (h *Webhook) handleAudio(ctx context.Context, me webhook.MessageEvent, msg webhook.AudioMessageContent) {
	userID := sourceID(me.Source)
	log := observe.Logger(ctx).With("user_id", userID, "message_id", msg.Id)
	if userID == "" {
		log.Warn("voice message without a usable source")
		return
	}
	if me.DeliveryContext != nil && me.DeliveryContext.IsRedelivery {
		log.Info("redelivered voice message")
	}

	ev := aggregator.Event{
		UserID:    userID,
		MessageID: msg.Id,
		Format:    FormatHint,
		Target: delivery.Target{
			Platform:   delivery.PlatformLINE,
			UserID:     userID,
			ReplyToken: me.ReplyToken,
			MessageID:  msg.Id,
		},
		Received: time.Now(),
	}

	data, err := h.content.Fetch(ctx, msg.Id)
	if err != nil {
		log.Error("could not download voice message", "err", err)
		h.sink.Reject(ctx, ev, err)
		return
	}
	ev.Audio = data

	res := h.sink.Handle(ctx, ev)
	log.Debug("voice message handled", "outcome", res.Outcome, "flush_id", res.FlushID)
}

// sourceID returns the session key for an event source: the sending user,
// or the group or room when LINE withholds the user id.
func sourceID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		if s.UserId != "" {
			return s.UserId
		}
		return s.GroupId
	case webhook.RoomSource:
		if s.UserId != "" {
			return s.UserId
		}
		return s.RoomId
	}
	return ""
}
