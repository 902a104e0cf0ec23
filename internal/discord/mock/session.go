// Package mock provides test doubles for the Discord session surfaces the
// transport uses.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Sent records one ChannelMessageSendComplex call.
type Sent struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

// Session records posted messages and interaction responses.
// Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// Sent records all ChannelMessageSendComplex calls.
	Sent []Sent

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Err is returned by every call when non-nil.
	Err error

	// FailAfter, if positive, makes ChannelMessageSendComplex fail with Err
	// only once that many messages were sent successfully.
	FailAfter int
}

// ChannelMessageSendComplex records the message and returns a stub.
func (m *Session) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil && len(m.Sent) >= m.FailAfter {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, Sent{ChannelID: channelID, Message: data})
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID, Content: data.Content}, nil
}

// InteractionRespond records the response and returns the configured error.
func (m *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// Contents returns the content of every sent message in order.
func (m *Session) Contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Sent))
	for i, s := range m.Sent {
		out[i] = s.Message.Content
	}
	return out
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Session) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}
