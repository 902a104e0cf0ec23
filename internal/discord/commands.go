package discord

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/archive"
	"github.com/MrWong99/sayless/internal/delivery"
)

// embedColor is the sidebar color of command embeds.
const embedColor = 0x2ECC71

// recentLimit is how many archived summaries /voicenotes recent lists.
const recentLimit = 5

// voicenotesCommand is the /voicenotes command definition.
var voicenotesCommand = &discordgo.ApplicationCommand{
	Name:        "voicenotes",
	Description: "Voice note transcription",
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "stats",
			Description: "Show recent transcription statistics",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "recent",
			Description: "List your latest voice note summaries",
		},
	},
}

// History looks up archived flushes. *archive.Store implements it.
type History interface {
	Recent(ctx context.Context, userID string, limit int) ([]archive.Entry, error)
}

var _ History = (*archive.Store)(nil)

// RegisterStatsCommand adds /voicenotes stats to r.
func RegisterStatsCommand(r *CommandRouter, stats *FlushStats, perms *PermissionChecker) {
	r.RegisterCommand("voicenotes/stats", voicenotesCommand, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if !perms.Allowed(i.Member) {
			RespondEphemeral(s, i, "You are not allowed to use this command.")
			return
		}
		RespondEmbed(s, i, statsEmbed(stats.Snapshot(), time.Now()))
	})
}

func statsEmbed(snap StatsSnapshot, now time.Time) *discordgo.MessageEmbed {
	type row struct {
		outcome aggregator.Outcome
		n       int64
	}
	rows := make([]row, 0, len(snap.Outcomes))
	for o, n := range snap.Outcomes {
		rows = append(rows, row{o, n})
	}
	slices.SortFunc(rows, func(a, b row) int {
		return cmp.Or(cmp.Compare(b.n, a.n), cmp.Compare(a.outcome, b.outcome))
	})
	var outcomes strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&outcomes, "`%s` %d\n", r.outcome, r.n)
	}
	if outcomes.Len() == 0 {
		outcomes.WriteString("none yet")
	}

	round := func(d time.Duration) string { return d.Round(10 * time.Millisecond).String() }
	return &discordgo.MessageEmbed{
		Title: "Voice notes",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Handled", Value: fmt.Sprintf("%d (%d failed)", snap.Total(), snap.Failed), Inline: true},
			{Name: "Uptime", Value: now.Sub(snap.Since).Round(time.Second).String(), Inline: true},
			{Name: "Flush latency", Value: fmt.Sprintf("p50 %s · p95 %s", round(snap.Latency.P50), round(snap.Latency.P95))},
			{Name: "Audio length", Value: fmt.Sprintf("p50 %s · p95 %s", round(snap.Audio.P50), round(snap.Audio.P95))},
			{Name: "Outcomes", Value: outcomes.String()},
		},
	}
}

// RegisterRecentCommand adds /voicenotes recent to r.
func RegisterRecentCommand(r *CommandRouter, history History, perms *PermissionChecker) {
	r.RegisterCommand("voicenotes/recent", voicenotesCommand, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if !perms.Allowed(i.Member) {
			RespondEphemeral(s, i, "You are not allowed to use this command.")
			return
		}
		user := interactionUser(i)
		if user == nil {
			RespondEphemeral(s, i, "Could not tell who you are.")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		entries, err := history.Recent(ctx, user.ID, recentLimit)
		if err != nil {
			slog.Warn("discord: could not load history", "user_id", user.ID, "err", err)
			RespondEphemeral(s, i, "History is unavailable right now.")
			return
		}
		RespondEmbed(s, i, recentEmbed(entries))
	})
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// maxFieldRunes is Discord's limit for an embed field value.
const maxFieldRunes = 1024

func recentEmbed(entries []archive.Entry) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Title: "Your latest voice notes", Color: embedColor}
	if len(entries) == 0 {
		e.Description = "Nothing archived yet."
		return e
	}
	for _, en := range entries {
		summary := en.Summary
		if strings.TrimSpace(summary) == "" {
			summary = "(no summary)"
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s · %s", en.FinishedAt.UTC().Format("2006-01-02 15:04"), en.Audio.Round(time.Second)),
			Value: delivery.Truncate(summary, maxFieldRunes),
		})
	}
	return e
}
