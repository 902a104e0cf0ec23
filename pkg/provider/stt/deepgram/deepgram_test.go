package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.Options{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "detect_language", "true", q.Get("detect_language"))
	assertEqual(t, "language", "", q.Get("language"))
}

func TestBuildURL_LanguageOverriddenByRequest(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithLanguage("en"))

	rawURL, _ := p.buildURL(stt.Options{})
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "en", u.Query().Get("language"))

	rawURL, _ = p.buildURL(stt.Options{Language: "fr-FR"})
	u, _ = url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
	assertEqual(t, "detect_language", "", u.Query().Get("detect_language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	rawURL, _ := p.buildURL(stt.Options{Keywords: []string{"Sayless", "LINE"}})
	u, _ := url.Parse(rawURL)
	if got := u.Query()["keyterm"]; len(got) != 2 || got[0] != "Sayless" {
		t.Errorf("keyterm = %v", got)
	}

	p, _ = New("key", WithModel("base"))
	rawURL, _ = p.buildURL(stt.Options{Keywords: []string{"Sayless"}})
	u, _ = url.Parse(rawURL)
	assertEqual(t, "keywords", "Sayless", u.Query().Get("keywords"))
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// ---- Transcribe against a fake server ----

// fakeDeepgram accepts one WebSocket, counts the audio bytes it receives and,
// once CloseStream arrives, replies with the given events.
func fakeDeepgram(t *testing.T, events []string, received *atomic.Int64, auth *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received.Add(int64(len(msg)))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}
		for _, ev := range events {
			if err := conn.Write(ctx, websocket.MessageText, []byte(ev)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	t.Parallel()
	events := []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"channel":{"detected_language":"en","alternatives":[{"transcript":"Hello there.","confidence":0.9}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"General Kenobi.","confidence":0.7}]}}`,
		`{"type":"Metadata","request_id":"abc"}`,
	}
	var received atomic.Int64
	var auth atomic.Value
	srv := fakeDeepgram(t, events, &received, &auth)

	p, _ := New("dg-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	clip := audio.Clip{Format: audio.Speech, PCM: make([]byte, 20000)}
	tr, err := p.Transcribe(context.Background(), clip, stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Hello there. General Kenobi." {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Language != "en" {
		t.Errorf("Language = %q, want en", tr.Language)
	}
	if tr.Confidence < 0.79 || tr.Confidence > 0.81 {
		t.Errorf("Confidence = %v, want 0.8", tr.Confidence)
	}
	if received.Load() != 20000 {
		t.Errorf("server received %d audio bytes, want 20000", received.Load())
	}
	if got, _ := auth.Load().(string); got != "Token dg-key" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestTranscribe_EmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	var auth atomic.Value
	srv := fakeDeepgram(t, nil, &received, &auth)

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	tr, err := p.Transcribe(context.Background(), audio.Clip{Format: audio.Speech, PCM: make([]byte, 320)}, stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "" {
		t.Errorf("Text = %q, want empty", tr.Text)
	}
}

func TestTranscribe_TranslateUnsupported(t *testing.T) {
	t.Parallel()
	p, _ := New("k")
	_, err := p.Transcribe(context.Background(), audio.Clip{Format: audio.Speech}, stt.Options{Translate: true})
	if !errors.Is(err, stt.ErrTranslateUnsupported) {
		t.Fatalf("err = %v, want ErrTranslateUnsupported", err)
	}
}

func TestTranscribe_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if _, err := p.Transcribe(context.Background(), audio.Clip{Format: audio.Speech, PCM: make([]byte, 320)}, stt.Options{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
