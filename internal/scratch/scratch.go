// Package scratch provides the temporary storage that backs pending audio
// segments between an inbound event and the flush that consumes it.
//
// A [Space] hands out opaque [Handle] values. Only the session store creates
// and releases handles; everything else treats them as read-only references.
package scratch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ErrExists is returned by Put when owner/name already holds live data.
var ErrExists = errors.New("scratch: handle already exists")

// Handle identifies one piece of scratch data.
type Handle string

// Space stores scratch data.
type Space interface {
	// Put stores data under owner/name and returns its handle. The name must be
	// unique among the owner's live handles. On error nothing is left behind.
	Put(owner, name string, data []byte) (Handle, error)

	// Get returns the data stored under h.
	Get(h Handle) ([]byte, error)

	// Release deletes h. Releasing an unknown or already-released handle is not
	// an error.
	Release(h Handle) error
}

// Compile-time assertion that Dir implements Space.
var _ Space = (*Dir)(nil)

// Dir is a [Space] backed by files under a root directory, laid out as
// root/<owner>/<name>.pcm.
type Dir struct {
	root  string
	owned bool
	live  atomic.Int64
}

// NewDir returns a Dir rooted at root, creating it if needed. An empty root
// creates a fresh private directory under os.TempDir that Close removes.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", "sayless-scratch-")
		if err != nil {
			return nil, fmt.Errorf("scratch: create temp root: %w", err)
		}
		return &Dir{root: dir, owned: true}, nil
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("scratch: create root %q: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory holding all scratch files.
func (d *Dir) Root() string { return d.root }

// Live returns the number of handles put and not yet released.
func (d *Dir) Live() int64 { return d.live.Load() }

// Put implements [Space]. The file is created exclusively so that a redelivered
// message cannot silently overwrite data a pending segment still points to.
func (d *Dir) Put(owner, name string, data []byte) (Handle, error) {
	dir := filepath.Join(d.root, safeName(owner))
	path := filepath.Join(dir, safeName(name)+".pcm")

	var (
		f   *os.File
		err error
	)
	// A concurrent Release for the same owner may remove the directory between
	// MkdirAll and OpenFile; one retry covers that window.
	for range 2 {
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("scratch: create owner dir: %w", err)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrExists, owner, name)
		}
		return "", fmt.Errorf("scratch: create %s: %w", path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("scratch: write %s: %w", path, err)
	}

	d.live.Add(1)
	return Handle(path), nil
}

// Get implements [Space].
func (d *Dir) Get(h Handle) ([]byte, error) {
	if err := d.check(h); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(string(h))
	if err != nil {
		return nil, fmt.Errorf("scratch: read: %w", err)
	}
	return data, nil
}

// Release implements [Space]. The owner directory is removed once empty.
func (d *Dir) Release(h Handle) error {
	if err := d.check(h); err != nil {
		return err
	}
	err := os.Remove(string(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scratch: release: %w", err)
	}
	d.live.Add(-1)
	// Fails harmlessly while other files for the same owner remain.
	_ = os.Remove(filepath.Dir(string(h)))
	return nil
}

// Close removes the root directory if NewDir created it.
func (d *Dir) Close() error {
	if !d.owned {
		return nil
	}
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("scratch: remove root: %w", err)
	}
	return nil
}

// check rejects handles that do not point inside the root.
func (d *Dir) check(h Handle) error {
	rel, err := filepath.Rel(d.root, string(h))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("scratch: handle %q is outside %s", h, d.root)
	}
	return nil
}

// safeName keeps platform ids (LINE "U4af4980629…", Discord snowflakes) readable
// and maps anything else to a hash so it can never escape the root.
func safeName(s string) string {
	ok := s != "" && len(s) <= 128
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			ok = false
			break
		}
	}
	if ok {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "h" + hex.EncodeToString(sum[:12])
}
