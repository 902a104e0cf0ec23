// Package mock provides a test double for delivery.Replier.
//
// Example:
//
//	r := &mock.Replier{}
//	_ = r.Reply(ctx, delivery.Target{UserID: "U1"}, "hi")
//	// r.Texts() == []string{"hi"}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sayless/internal/delivery"
)

// ReplyCall records a single invocation of Reply.
type ReplyCall struct {
	Target delivery.Target
	Text   string
}

// Replier is a mock implementation of delivery.Replier.
// Safe for concurrent use.
type Replier struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from every Reply call after recording.
	Err error

	// Func, if set, runs after recording and its result is returned. It runs
	// outside the mock's lock.
	Func func(ctx context.Context, to delivery.Target, text string) error

	// Calls records every invocation of Reply in order.
	Calls []ReplyCall

	notify chan struct{}
}

var _ delivery.Replier = (*Replier)(nil)

// Reply records the call and returns the configured result.
func (r *Replier) Reply(ctx context.Context, to delivery.Target, text string) error {
	r.mu.Lock()
	r.Calls = append(r.Calls, ReplyCall{Target: to, Text: text})
	fn, err := r.Func, r.Err
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, to, text)
	}
	return err
}

// CallCount returns the number of Reply calls so far.
func (r *Replier) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Texts returns the text of every reply in order.
func (r *Replier) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		out[i] = c.Text
	}
	return out
}

// Notify returns a channel that receives a value after each Reply (dropped if
// the previous one was not consumed yet). Call it before the code under test
// starts replying.
func (r *Replier) Notify() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		r.notify = make(chan struct{}, 64)
	}
	return r.notify
}
