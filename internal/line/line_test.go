package line_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/line"
)

type replyBody struct {
	ReplyToken string `json:"replyToken"`
	Messages   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

func TestReplier_Reply(t *testing.T) {
	t.Parallel()
	var got replyBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/bot/message/reply" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentMessages":[{"id":"1","quoteToken":"q"}]}`))
	}))
	defer srv.Close()

	r, err := line.NewReplier("token", line.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("a", line.MaxReplyRunes+100)
	if err := r.Reply(context.Background(), delivery.Target{Platform: delivery.PlatformLINE, ReplyToken: "rt1"}, long); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if auth != "Bearer token" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.ReplyToken != "rt1" || len(got.Messages) != 1 || got.Messages[0].Type != "text" {
		t.Fatalf("request = %+v", got)
	}
	if n := utf8.RuneCountInString(got.Messages[0].Text); n != line.MaxReplyRunes {
		t.Errorf("reply length = %d runes, want %d", n, line.MaxReplyRunes)
	}
}

func TestReplier_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid reply token"}`))
	}))
	defer srv.Close()

	r, err := line.NewReplier("token", line.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		target delivery.Target
	}{
		{name: "rejected token", target: delivery.Target{ReplyToken: "expired"}},
		{name: "no token", target: delivery.Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := r.Reply(context.Background(), tt.target, "hi")
			var de *delivery.DeliveryError
			if !errors.As(err, &de) || de.Platform != delivery.PlatformLINE {
				t.Errorf("err = %v, want *DeliveryError for LINE", err)
			}
		})
	}
}

func TestBlobFetcher(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/bot/message/small/content":
			_, _ = w.Write([]byte("m4a-bytes"))
		case "/v2/bot/message/big/content":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f, err := line.NewBlobFetcher("token", line.WithEndpoint(srv.URL), line.WithMaxContentBytes(32))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data, err := f.Fetch(ctx, "small")
	if err != nil || string(data) != "m4a-bytes" {
		t.Errorf("Fetch(small) = %q, %v", data, err)
	}
	if _, err := f.Fetch(ctx, "big"); !errors.Is(err, line.ErrContentTooLarge) {
		t.Errorf("Fetch(big) err = %v, want ErrContentTooLarge", err)
	}
	if _, err := f.Fetch(ctx, "missing"); err == nil {
		t.Error("Fetch(missing) should fail")
	}
}

// A deadline on one call aborts that request only; the shared SDK client keeps
// working for the next caller.
func TestClients_HonourContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body replyBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ReplyToken == "slow" || r.URL.Path == "/v2/bot/message/slow/content" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentMessages":[]}`))
	}))
	defer srv.Close()
	defer close(release)

	r, err := line.NewReplier("token", line.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	f, err := line.NewBlobFetcher("token", line.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	calls := []struct {
		name string
		slow func(context.Context) error
		fast func(context.Context) error
	}{
		{
			name: "reply",
			slow: func(ctx context.Context) error { return r.Reply(ctx, delivery.Target{ReplyToken: "slow"}, "hi") },
			fast: func(ctx context.Context) error { return r.Reply(ctx, delivery.Target{ReplyToken: "fast"}, "hi") },
		},
		{
			name: "fetch",
			slow: func(ctx context.Context) error { _, err := f.Fetch(ctx, "slow"); return err },
			fast: func(ctx context.Context) error { _, err := f.Fetch(ctx, "fast"); return err },
		},
	}
	for _, c := range calls {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		start := time.Now()
		err := c.slow(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("%s: err = %v, want DeadlineExceeded", c.name, err)
		}
		if took := time.Since(start); took > 5*time.Second {
			t.Errorf("%s: returned after %s; the deadline was ignored", c.name, took)
		}
		if err := c.fast(context.Background()); err != nil {
			t.Errorf("%s after an expired call: %v", c.name, err)
		}
	}
}
