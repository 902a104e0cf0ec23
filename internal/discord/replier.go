package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sayless/internal/delivery"
)

// MaxMessageRunes is the longest message content Discord accepts.
const MaxMessageRunes = 2000

// MessageSender is the part of *discordgo.Session used to post replies.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Replier posts replies into the voice message's channel. Text longer than
// [MaxMessageRunes] is split over several messages; the first one replies
// to the voice message.
type Replier struct {
	s MessageSender
}

var _ delivery.Replier = (*Replier)(nil)

// NewReplier creates a Replier posting through s.
func NewReplier(s MessageSender) *Replier {
	return &Replier{s: s}
}

// Reply implements [delivery.Replier].
func (r *Replier) Reply(ctx context.Context, to delivery.Target, text string) error {
	fail := func(err error) error {
		return &delivery.DeliveryError{Platform: delivery.PlatformDiscord, Err: err}
	}
	if to.ChannelID == "" {
		return fail(errors.New("missing channel id"))
	}

	parts := delivery.Split(text, MaxMessageRunes)
	for i, part := range parts {
		msg := &discordgo.MessageSend{
			Content:         part,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if i == 0 && to.MessageID != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: to.MessageID, ChannelID: to.ChannelID}
		}
		if _, err := r.s.ChannelMessageSendComplex(to.ChannelID, msg, discordgo.WithContext(ctx)); err != nil {
			return fail(fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err))
		}
	}
	return nil
}
