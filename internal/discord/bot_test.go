package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/discord/mock"
)

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		member *discordgo.Member
		want   bool
	}{
		{name: "member with role", roleID: "role-123", member: &discordgo.Member{Roles: []string{"role-456", "role-123"}}, want: true},
		{name: "member without role", roleID: "role-123", member: &discordgo.Member{Roles: []string{"role-456"}}, want: false},
		{name: "no role configured", roleID: "", member: &discordgo.Member{}, want: true},
		{name: "direct message, no role configured", roleID: "", member: nil, want: true},
		{name: "direct message, role required", roleID: "role-123", member: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewPermissionChecker(tt.roleID).Allowed(tt.member); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	cmd := &discordgo.ApplicationCommand{Name: "voicenotes"}
	r.RegisterCommand("voicenotes/stats", cmd, func(*discordgo.Session, *discordgo.InteractionCreate) {})
	r.RegisterCommand("voicenotes/other", cmd, func(*discordgo.Session, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "voicenotes" {
		t.Fatalf("ApplicationCommands = %v, want one deduplicated command", cmds)
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	data := discordgo.ApplicationCommandInteractionData{
		Name: "voicenotes",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "stats", Type: discordgo.ApplicationCommandOptionSubCommand},
		},
	}
	if got := interactionKey(data); got != "voicenotes/stats" {
		t.Errorf("interactionKey = %q", got)
	}
	if got := interactionKey(discordgo.ApplicationCommandInteractionData{Name: "ping"}); got != "ping" {
		t.Errorf("interactionKey = %q", got)
	}
}

// ── Message intake ──────────────────────────────────────────────────────────

type recordingSink struct {
	mu       sync.Mutex
	handled  []aggregator.Event
	rejected []aggregator.Event
}

func (s *recordingSink) Handle(_ context.Context, ev aggregator.Event) aggregator.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, ev)
	return aggregator.Result{Outcome: aggregator.OutcomeOK}
}

func (s *recordingSink) Reject(_ context.Context, ev aggregator.Event, _ error) aggregator.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, ev)
	return aggregator.Result{Outcome: aggregator.OutcomeFetchFailed}
}

type mapDownloader map[string][]byte

func (d mapDownloader) Download(_ context.Context, a *discordgo.MessageAttachment) ([]byte, error) {
	if b, ok := d[a.ID]; ok {
		return b, nil
	}
	return nil, errors.New("404")
}

func voiceMessage(channel string, attachments ...*discordgo.MessageAttachment) *discordgo.Message {
	return &discordgo.Message{
		ID:          "msg-1",
		ChannelID:   channel,
		GuildID:     "guild-1",
		Author:      &discordgo.User{ID: "user-1"},
		Member:      &discordgo.Member{Roles: []string{"listener"}},
		Attachments: attachments,
		Flags:       discordgo.MessageFlagsIsVoiceMessage,
	}
}

func oggAttachment(id string) *discordgo.MessageAttachment {
	return &discordgo.MessageAttachment{ID: id, Filename: "voice-message.ogg", ContentType: "audio/ogg", Size: 4}
}

func TestBot_HandleMessage(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	dl := mapDownloader{"a1": []byte("opus"), "a3": []byte("mp3!")}
	b := newBot(context.Background(), Config{ChannelIDs: []string{"chan-1"}}, sink, WithDownloader(dl))

	b.handleMessage(context.Background(), voiceMessage("chan-1",
		oggAttachment("a1"),
		&discordgo.MessageAttachment{ID: "a2", Filename: "notes.txt", ContentType: "text/plain"},
		&discordgo.MessageAttachment{ID: "a3", Filename: "memo.MP3"},
		oggAttachment("missing"),
	))

	if len(sink.handled) != 2 {
		t.Fatalf("handled %d events, want 2", len(sink.handled))
	}
	first := sink.handled[0]
	if first.UserID != "user-1" || first.MessageID != "a1" || first.Format != "ogg" || string(first.Audio) != "opus" {
		t.Errorf("first event = %+v", first)
	}
	want := delivery.Target{Platform: delivery.PlatformDiscord, UserID: "user-1", ChannelID: "chan-1", MessageID: "msg-1"}
	if first.Target != want {
		t.Errorf("target = %+v, want %+v", first.Target, want)
	}
	if sink.handled[1].Format != "mp3" {
		t.Errorf("second format = %q, want mp3", sink.handled[1].Format)
	}
	if len(sink.rejected) != 1 || sink.rejected[0].MessageID != "missing" {
		t.Errorf("rejected = %+v", sink.rejected)
	}
}

func TestBot_HandleMessage_Filters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		msg  func() *discordgo.Message
	}{
		{
			name: "other channel",
			cfg:  Config{ChannelIDs: []string{"chan-1"}},
			msg:  func() *discordgo.Message { return voiceMessage("chan-2", oggAttachment("a1")) },
		},
		{
			name: "bot author",
			msg: func() *discordgo.Message {
				m := voiceMessage("chan-1", oggAttachment("a1"))
				m.Author.Bot = true
				return m
			},
		},
		{
			name: "missing role",
			cfg:  Config{RoleID: "dj"},
			msg:  func() *discordgo.Message { return voiceMessage("chan-1", oggAttachment("a1")) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &recordingSink{}
			b := newBot(context.Background(), tt.cfg, sink, WithDownloader(mapDownloader{"a1": []byte("x")}))
			b.handleMessage(context.Background(), tt.msg())
			if len(sink.handled)+len(sink.rejected) != 0 {
				t.Errorf("message reached the sink")
			}
		})
	}
}

func TestBot_DirectMessagesBypassChannelFilter(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	b := newBot(context.Background(), Config{ChannelIDs: []string{"chan-1"}}, sink, WithDownloader(mapDownloader{"a1": []byte("x")}))
	m := voiceMessage("dm-channel", oggAttachment("a1"))
	m.GuildID, m.Member = "", nil
	b.handleMessage(context.Background(), m)

	if len(sink.handled) != 1 {
		t.Errorf("handled %d, want 1", len(sink.handled))
	}
}

func TestBot_CloseRefusesNewMessages(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	b := newBot(context.Background(), Config{}, sink, WithDownloader(mapDownloader{"a1": []byte("x")}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	b.onMessageCreate(nil, &discordgo.MessageCreate{Message: voiceMessage("chan-1", oggAttachment("a1"))})
	if len(sink.handled) != 0 {
		t.Error("message handled after Close")
	}
}

// ── Replies ──────────────────────────────────────────────────────────────────

func TestReplier_Reply(t *testing.T) {
	t.Parallel()

	s := &mock.Session{}
	r := NewReplier(s)
	text := strings.Repeat("word ", 500) // 2500 runes
	to := delivery.Target{Platform: delivery.PlatformDiscord, ChannelID: "chan-1", MessageID: "msg-1"}

	if err := r.Reply(context.Background(), to, text); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(s.Sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(s.Sent))
	}
	if ref := s.Sent[0].Message.Reference; ref == nil || ref.MessageID != "msg-1" {
		t.Errorf("first part reference = %+v", ref)
	}
	if s.Sent[1].Message.Reference != nil {
		t.Error("only the first part should reference the voice message")
	}
	var joined strings.Builder
	for _, c := range s.Contents() {
		if len([]rune(c)) > MaxMessageRunes {
			t.Errorf("part of %d runes exceeds the limit", len([]rune(c)))
		}
		joined.WriteString(c)
	}
	if strings.ReplaceAll(joined.String(), " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Error("split lost content")
	}
}

func TestReplier_Errors(t *testing.T) {
	t.Parallel()

	s := &mock.Session{Err: errors.New("missing access"), FailAfter: 1}
	r := NewReplier(s)

	err := r.Reply(context.Background(), delivery.Target{ChannelID: "c"}, strings.Repeat("x", 3000))
	var de *delivery.DeliveryError
	if !errors.As(err, &de) || de.Platform != delivery.PlatformDiscord {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if !strings.Contains(err.Error(), "part 2/2") {
		t.Errorf("err = %v, want the failing part named", err)
	}

	if err := r.Reply(context.Background(), delivery.Target{}, "hi"); !errors.As(err, &de) {
		t.Errorf("missing channel: err = %v", err)
	}
}
