package lockfile

import (
	"path/filepath"
	"testing"
)

func TestWriteThenReadReentrant(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "deps.lock"))

	releaseW, err := l.Write()
	if err != nil {
		t.Fatal(err)
	}
	if l.kind != Exclusive {
		t.Fatalf("expected exclusive hold, got %v", l.kind)
	}

	// Requesting a read while already holding exclusive is a no-op.
	releaseR, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if l.kind != Exclusive {
		t.Fatalf("expected still exclusive, got %v", l.kind)
	}

	releaseR()
	if l.kind != Exclusive {
		t.Fatalf("releasing the inner no-op should not downgrade, got %v", l.kind)
	}

	releaseW()
	if l.kind != None {
		t.Fatalf("expected released, got %v", l.kind)
	}
}

func TestReadRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "deps.lock"))
	release, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if l.kind != Shared {
		t.Fatalf("expected shared hold, got %v", l.kind)
	}
	release()
	if l.kind != None {
		t.Fatalf("expected released, got %v", l.kind)
	}
}
