// Package delivery sends finished replies back to the user who triggered a
// flush. Each messaging platform provides a [Replier]; [Mux] routes a
// [Target] to the replier of its platform.
//
// Delivery is fire-once: a failed reply is reported as a [*DeliveryError] and
// never retried.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Platform names a messaging platform.
type Platform string

// Known platforms.
const (
	PlatformLINE    Platform = "line"
	PlatformDiscord Platform = "discord"
)

// Target identifies where a reply goes.
type Target struct {
	Platform Platform

	// UserID is the platform user the reply is for.
	UserID string

	// ReplyToken is LINE's single-use reply token.
	ReplyToken string

	// ChannelID and MessageID locate the Discord message being answered.
	ChannelID string
	MessageID string
}

// ErrNoReplier is returned by [Mux.Reply] for a platform nobody registered.
var ErrNoReplier = errors.New("delivery: no replier for platform")

// DeliveryError reports that a reply could not be sent.
type DeliveryError struct {
	Platform Platform
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: reply via %s: %v", e.Platform, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Replier sends text to a target. Implementations return *DeliveryError on
// failure and must be safe for concurrent use.
type Replier interface {
	Reply(ctx context.Context, to Target, text string) error
}

// ReplierFunc adapts a function to [Replier].
type ReplierFunc func(ctx context.Context, to Target, text string) error

// Reply implements [Replier].
func (f ReplierFunc) Reply(ctx context.Context, to Target, text string) error {
	return f(ctx, to, text)
}

// Mux is a [Replier] that dispatches on Target.Platform.
type Mux struct {
	mu       sync.RWMutex
	repliers map[Platform]Replier
}

var _ Replier = (*Mux)(nil)

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{repliers: make(map[Platform]Replier)}
}

// Handle registers r for platform p, replacing any earlier registration.
func (m *Mux) Handle(p Platform, r Replier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repliers[p] = r
}

// Platforms returns the registered platforms in no particular order.
func (m *Mux) Platforms() []Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Platform, 0, len(m.repliers))
	for p := range m.repliers {
		out = append(out, p)
	}
	return out
}

// Reply implements [Replier]. Errors from the platform replier that are not
// already a *DeliveryError are wrapped in one.
func (m *Mux) Reply(ctx context.Context, to Target, text string) error {
	m.mu.RLock()
	r, ok := m.repliers[to.Platform]
	m.mu.RUnlock()
	if !ok {
		return &DeliveryError{Platform: to.Platform, Err: ErrNoReplier}
	}
	err := r.Reply(ctx, to, text)
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{Platform: to.Platform, Err: err}
}
