// Package mock provides a resource-tracking in-memory scratch.Space.
//
// Tracker records every handle it hands out and every release, so tests can
// assert that no scratch data outlives a flush:
//
//	space := mock.NewTracker()
//	// ... run the code under test ...
//	if live := space.Live(); len(live) != 0 {
//	    t.Errorf("leaked handles: %v", live)
//	}
package mock

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/sayless/internal/scratch"
)

// Tracker is an in-memory scratch.Space that tracks live handles.
// Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	data map[scratch.Handle][]byte

	// PutErr, if non-nil, is returned from every Put call.
	PutErr error
	// GetErr, if non-nil, is returned from every Get call.
	GetErr error
	// ReleaseErr, if non-nil, is returned from Release after the handle has
	// been removed (simulating a failed cleanup that still dropped the data).
	ReleaseErr error

	// Puts is the number of successful Put calls.
	Puts int
	// Releases records every released handle in order, including repeats.
	Releases []scratch.Handle
}

var _ scratch.Space = (*Tracker)(nil)

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{data: make(map[scratch.Handle][]byte)}
}

// Put implements scratch.Space.
func (t *Tracker) Put(owner, name string, data []byte) (scratch.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PutErr != nil {
		return "", t.PutErr
	}
	h := scratch.Handle(owner + "/" + name)
	if _, ok := t.data[h]; ok {
		return "", fmt.Errorf("%w: %s", scratch.ErrExists, h)
	}
	t.data[h] = append([]byte(nil), data...)
	t.Puts++
	return h, nil
}

// Get implements scratch.Space.
func (t *Tracker) Get(h scratch.Handle) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.GetErr != nil {
		return nil, t.GetErr
	}
	d, ok := t.data[h]
	if !ok {
		return nil, errors.New("mock scratch: unknown handle " + string(h))
	}
	return d, nil
}

// Release implements scratch.Space.
func (t *Tracker) Release(h scratch.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, h)
	t.Releases = append(t.Releases, h)
	return t.ReleaseErr
}

// Live returns the handles that were put and not released, sorted.
func (t *Tracker) Live() []scratch.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]scratch.Handle, 0, len(t.data))
	for h := range t.data {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReleaseCount returns how many times h was released.
func (t *Tracker) ReleaseCount(h scratch.Handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.Releases {
		if r == h {
			n++
		}
	}
	return n
}
