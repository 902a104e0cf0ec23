// Package session holds the per-user accumulation of decoded audio segments
// that have not been flushed yet, together with the scratch data backing them.
//
// The [Store] is the only mutable state shared between inbound events. Each
// user's session has its own lock; operations on different users never contend
// on anything but the lock-free entry map. The single serialization point
// between concurrent events of one user is [Store.SnapshotAndClear]: a segment
// appended before it is part of the snapshot, a segment appended after it
// starts the next session.
//
// Invariant: a session with zero segments holds zero scratch handles.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sayless/internal/scratch"
	"github.com/MrWong99/sayless/pkg/audio"
)

// ErrNoSession is returned by RegisterScratch when the user has no pending
// segments to attach the handle to.
var ErrNoSession = errors.New("session: no pending session")

// ErrReleased is returned by Snapshot.Load after the snapshot was released.
var ErrReleased = errors.New("session: snapshot already released")

// Segment is one decoded audio clip waiting in a session.
type Segment struct {
	// MessageID is the platform message the clip came from.
	MessageID string
	// Handle points at the clip's PCM in scratch storage.
	Handle scratch.Handle
	// Format describes the PCM stored under Handle.
	Format audio.Format
	// Duration is the playback length of the clip.
	Duration time.Duration
	// Arrived is when the segment was appended.
	Arrived time.Time
	// Seq is a store-wide, strictly increasing append sequence number.
	Seq uint64
}

// View is a copy of a session's contents. Mutating it does not affect the store.
type View struct {
	UserID   string
	Segments []Segment
	Scratch  []scratch.Handle
}

// Empty reports whether the view has no segments.
func (v View) Empty() bool { return len(v.Segments) == 0 }

// Duration returns the summed length of all segments.
func (v View) Duration() time.Duration {
	var d time.Duration
	for _, s := range v.Segments {
		d += s.Duration
	}
	return d
}

// MessageIDs returns the message ids of all segments in arrival order.
func (v View) MessageIDs() []string {
	ids := make([]string, len(v.Segments))
	for i, s := range v.Segments {
		ids[i] = s.MessageID
	}
	return ids
}

// entry is the mutable state of one user's session.
type entry struct {
	mu sync.Mutex
	// dead is set once the entry has been snapshotted and removed from the map;
	// callers that raced with the removal must look the user up again.
	dead     bool
	segments []Segment
	scratch  []scratch.Handle
	known    map[scratch.Handle]struct{}
}

func (e *entry) addScratch(h scratch.Handle) {
	if e.known == nil {
		e.known = make(map[scratch.Handle]struct{})
	}
	if _, ok := e.known[h]; ok {
		return
	}
	e.known[h] = struct{}{}
	e.scratch = append(e.scratch, h)
}

// view copies e's contents. Callers must hold e.mu.
func (e *entry) view(userID string) View {
	return View{
		UserID:   userID,
		Segments: append([]Segment(nil), e.segments...),
		Scratch:  append([]scratch.Handle(nil), e.scratch...),
	}
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp segments.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the process-wide session store. The zero value is not usable; create
// one with [NewStore]. All methods are safe for concurrent use.
type Store struct {
	space   scratch.Space
	entries sync.Map // user id → *entry
	seq     atomic.Uint64
	now     func() time.Time
}

// NewStore returns an empty Store that keeps segment data in space.
func NewStore(space scratch.Space, opts ...Option) *Store {
	s := &Store{space: space, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lockLive returns the user's live entry, creating it if absent, with its lock
// held.
func (s *Store) lockLive(userID string) *entry {
	for {
		v, _ := s.entries.LoadOrStore(userID, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Append adds seg to the end of the user's session, creating the session if
// absent, and returns the session's current contents. A non-empty seg.Handle
// is registered as a scratch handle of the session.
func (s *Store) Append(userID string, seg Segment) View {
	e := s.lockLive(userID)
	defer e.mu.Unlock()

	seg.Seq = s.seq.Add(1)
	if seg.Arrived.IsZero() {
		seg.Arrived = s.now()
	}
	e.segments = append(e.segments, seg)
	if seg.Handle != "" {
		e.addScratch(seg.Handle)
	}
	return e.view(userID)
}

// Stage writes clip to scratch storage under the message id and appends the
// resulting segment. If the write fails nothing is stored and the session is
// unchanged. A message id already pending for the user fails with
// scratch.ErrExists.
func (s *Store) Stage(userID, messageID string, clip audio.Clip) (View, error) {
	h, err := s.space.Put(userID, messageID, clip.PCM)
	if err != nil {
		return View{}, fmt.Errorf("session: stage %s: %w", messageID, err)
	}
	return s.Append(userID, Segment{
		MessageID: messageID,
		Handle:    h,
		Format:    clip.Format,
		Duration:  clip.Duration(),
	}), nil
}

// RegisterScratch attaches an extra scratch handle to the user's pending
// session so that it is released together with the session's segments. It
// fails with ErrNoSession when the user has nothing pending.
func (s *Store) RegisterScratch(userID string, h scratch.Handle) error {
	v, ok := s.entries.Load(userID)
	if !ok {
		return ErrNoSession
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || len(e.segments) == 0 {
		return ErrNoSession
	}
	e.addScratch(h)
	return nil
}

// SnapshotAndClear atomically takes everything pending for the user and resets
// the session to empty. Ownership of the returned scratch handles moves to the
// caller, who must call [Snapshot.Release] exactly when done (typically via
// defer straight after this call). The returned snapshot is never nil.
func (s *Store) SnapshotAndClear(userID string) *Snapshot {
	snap := &Snapshot{View: View{UserID: userID}, space: s.space}

	v, ok := s.entries.Load(userID)
	if !ok {
		return snap
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return snap
	}

	snap.View = View{UserID: userID, Segments: e.segments, Scratch: e.scratch}
	e.segments, e.scratch, e.known = nil, nil, nil
	e.dead = true
	s.entries.CompareAndDelete(userID, e)
	return snap
}

// Peek returns a copy of the user's pending session without modifying it.
func (s *Store) Peek(userID string) View {
	v, ok := s.entries.Load(userID)
	if !ok {
		return View{UserID: userID}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return View{UserID: userID}
	}
	return e.view(userID)
}

// Users returns the ids of all users with a pending session.
func (s *Store) Users() []string {
	var ids []string
	s.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// Sessions returns the number of users with a pending session.
func (s *Store) Sessions() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close snapshots and releases every pending session. It is meant for process
// shutdown; session state is not persisted across restarts.
func (s *Store) Close() error {
	var errs []error
	for _, id := range s.Users() {
		if err := s.SnapshotAndClear(id).Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot is the immutable result of [Store.SnapshotAndClear]. It owns the
// scratch handles listed in its View until Release is called.
type Snapshot struct {
	View

	space    scratch.Space
	once     sync.Once
	released atomic.Bool
	err      error
}

// Load reads every segment's PCM back from scratch storage, in arrival order.
func (s *Snapshot) Load() ([]audio.Clip, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	clips := make([]audio.Clip, 0, len(s.Segments))
	for _, seg := range s.Segments {
		data, err := s.space.Get(seg.Handle)
		if err != nil {
			return nil, fmt.Errorf("session: load segment %s: %w", seg.MessageID, err)
		}
		clips = append(clips, audio.Clip{Format: seg.Format, PCM: data})
	}
	return clips, nil
}

// Release deletes every scratch handle the snapshot owns. Only the first call
// does any work; later calls return the first call's result. Every handle is
// attempted even if some fail.
func (s *Snapshot) Release() error {
	s.once.Do(func() {
		s.released.Store(true)
		var errs []error
		for _, h := range s.Scratch {
			if err := s.space.Release(h); err != nil {
				errs = append(errs, fmt.Errorf("session: release %s: %w", h, err))
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// Released reports whether Release has been called.
func (s *Snapshot) Released() bool { return s.released.Load() }
