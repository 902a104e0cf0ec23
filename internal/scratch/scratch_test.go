package scratch_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/sayless/internal/scratch"
)

func newDir(t *testing.T) *scratch.Dir {
	t.Helper()
	d, err := scratch.NewDir(filepath.Join(t.TempDir(), "scratch"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return d
}

func TestDir_PutGetRelease(t *testing.T) {
	t.Parallel()
	d := newDir(t)

	h, err := d.Put("U123", "m1", []byte("pcm"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := filepath.Join(d.Root(), "U123", "m1.pcm"); string(h) != want {
		t.Errorf("handle = %q, want %q", h, want)
	}
	got, err := d.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "pcm" {
		t.Errorf("Get = %q, want %q", got, "pcm")
	}
	if d.Live() != 1 {
		t.Errorf("Live = %d, want 1", d.Live())
	}

	if err := d.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(string(h)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present after Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Root(), "U123")); !errors.Is(err, os.ErrNotExist) {
		t.Error("empty owner dir should be removed after last Release")
	}
	if d.Live() != 0 {
		t.Errorf("Live = %d, want 0", d.Live())
	}

	// Second release is a no-op.
	if err := d.Release(h); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestDir_PutExclusive(t *testing.T) {
	t.Parallel()
	d := newDir(t)
	if _, err := d.Put("u", "m1", []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := d.Put("u", "m1", []byte("b"))
	if !errors.Is(err, scratch.ErrExists) {
		t.Fatalf("second Put err = %v, want ErrExists", err)
	}
}

func TestDir_UnsafeNamesStayInsideRoot(t *testing.T) {
	t.Parallel()
	d := newDir(t)
	h, err := d.Put("../../etc", "../passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	rel, err := filepath.Rel(d.Root(), string(h))
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Errorf("handle %q escapes root %q", h, d.Root())
	}
}

func TestDir_RejectsForeignHandles(t *testing.T) {
	t.Parallel()
	d := newDir(t)
	outside := filepath.Join(t.TempDir(), "victim")
	if err := os.WriteFile(outside, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := d.Release(scratch.Handle(outside)); err == nil {
		t.Error("Release of a path outside the root should fail")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("foreign file was touched: %v", err)
	}
	if _, err := d.Get(scratch.Handle(outside)); err == nil {
		t.Error("Get of a path outside the root should fail")
	}
}

func TestDir_OwnedRootRemovedOnClose(t *testing.T) {
	t.Parallel()
	d, err := scratch.NewDir("")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if _, err := d.Put("u", "m", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(d.Root()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("root still exists after Close: %v", err)
	}
}
