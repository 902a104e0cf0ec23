// Package discord is the Discord transport. It owns the discordgo.Session
// lifecycle, turns audio attachments (including native voice messages) in
// configured channels into aggregator events, posts replies, and serves the
// /voicenotes slash command.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/observe"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string `yaml:"guild_id"`

	// ChannelIDs restricts intake to these guild channels. Empty accepts
	// every channel the bot can read. Direct messages are always accepted.
	ChannelIDs []string `yaml:"channel_ids"`

	// RoleID, when set, is required of senders and command users.
	RoleID string `yaml:"role_id"`
}

// Sink receives admitted voice messages. *aggregator.Aggregator implements it.
type Sink interface {
	Handle(ctx context.Context, ev aggregator.Event) aggregator.Result
	Reject(ctx context.Context, ev aggregator.Event, cause error) aggregator.Result
}

var _ Sink = (*aggregator.Aggregator)(nil)

// Bot owns the Discord gateway connection.
type Bot struct {
	mu       sync.RWMutex
	session  *discordgo.Session
	router   *CommandRouter
	perms    *PermissionChecker
	guildID  string
	channels map[string]bool
	sink     Sink
	download Downloader
	baseCtx  context.Context
	commands []*discordgo.ApplicationCommand

	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a [Bot].
type Option func(*Bot)

// WithDownloader replaces the attachment downloader.
func WithDownloader(d Downloader) Option {
	return func(b *Bot) { b.download = d }
}

// WithStats registers /voicenotes stats backed by stats.
func WithStats(stats *FlushStats) Option {
	return func(b *Bot) { RegisterStatsCommand(b.router, stats, b.perms) }
}

// WithHistory registers /voicenotes recent backed by h.
func WithHistory(h History) Option {
	return func(b *Bot) { RegisterRecentCommand(b.router, h, b.perms) }
}

func newBot(ctx context.Context, cfg Config, sink Sink, opts ...Option) *Bot {
	b := &Bot{
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.RoleID),
		guildID:  cfg.GuildID,
		channels: make(map[string]bool, len(cfg.ChannelIDs)),
		sink:     sink,
		download: NewHTTPDownloader(),
		baseCtx:  context.WithoutCancel(ctx),
	}
	for _, id := range cfg.ChannelIDs {
		b.channels[id] = true
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// New creates a Bot, connects to Discord and starts handling messages.
func New(ctx context.Context, cfg Config, sink Sink, opts ...Option) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuilds

	b := newBot(ctx, cfg, sink, opts...)
	b.session = session
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Ready reports whether the gateway connection is up.
func (b *Bot) Ready(context.Context) error {
	s := b.Session()
	if s == nil || s.State == nil || s.State.User == nil {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	if cmds := b.router.ApplicationCommands(); len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close stops intake, waits for messages being handled (bounded by ctx),
// unregisters commands and disconnects.
func (b *Bot) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("discord: gave up waiting for messages in flight", "err", ctx.Err())
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == nil {
			return
		}
		if len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	b.handleMessage(b.baseCtx, m.Message)
}

// handleMessage admits every audio attachment of m, in order.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != "" && len(b.channels) > 0 && !b.channels[m.ChannelID] {
		return
	}

	for _, a := range m.Attachments {
		format, ok := AudioFormat(a)
		if !ok {
			continue
		}
		log := observe.Logger(ctx).With("user_id", m.Author.ID, "message_id", a.ID, "channel_id", m.ChannelID)
		if !b.perms.Allowed(m.Member) {
			log.Debug("ignoring voice message from user without the required role")
			return
		}

		ev := aggregator.Event{
			UserID:    m.Author.ID,
			MessageID: a.ID,
			Format:    format,
			Target: delivery.Target{
				Platform:  delivery.PlatformDiscord,
				UserID:    m.Author.ID,
				ChannelID: m.ChannelID,
				MessageID: m.ID,
			},
			Received: time.Now(),
		}
		data, err := b.download.Download(ctx, a)
		if err != nil {
			log.Error("could not download voice message", "err", err)
			b.sink.Reject(ctx, ev, err)
			continue
		}
		ev.Audio = data
		res := b.sink.Handle(ctx, ev)
		log.Debug("voice message handled", "outcome", res.Outcome, "flush_id", res.FlushID)
	}
}
