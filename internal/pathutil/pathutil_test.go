package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetMtimeMissing(t *testing.T) {
	if _, ok := GetMtime(filepath.Join(t.TempDir(), "nope")); ok {
		t.Fatal("expected ok=false for a missing path")
	}
}

func TestGetMtimeStable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, ok := GetMtime(p)
	if !ok {
		t.Fatal("expected ok=true")
	}
	b, ok := GetMtime(p)
	if !ok || a != b {
		t.Fatalf("mtime should be stable across calls: %d != %d", a, b)
	}
}

func TestTryRemoveMissingIsNoop(t *testing.T) {
	if err := TryRemove(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTryRemoveDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(filepath.Join(sub, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := TryRemove(sub); err != nil {
		t.Fatal(err)
	}
	if Exists(sub) {
		t.Fatal("expected sub to be removed")
	}
}

func TestRenameAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RenameAtomic(src, dst); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hi" {
		t.Fatalf("expected dst to contain src's data, got %q err=%v", data, err)
	}
}

func TestResolveBase(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	got, err := ResolveBase(filepath.Join(link, "target.gup"))
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(real, "target.gup")
	if got != want {
		t.Fatalf("ResolveBase = %q, want %q", got, want)
	}
}

func TestTraverseSymlinksNoLinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	links, final := TraverseSymlinks(dir, "f")
	if len(links) != 0 {
		t.Fatalf("expected no links, got %v", links)
	}
	if final != filepath.Join(dir, "f") {
		t.Fatalf("final = %q", final)
	}
}

func TestTraverseSymlinksFollowsChain(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.WriteFile(real, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	links, final := TraverseSymlinks(dir, "link")
	if len(links) != 1 || links[0] != link {
		t.Fatalf("expected [%q], got %v", link, links)
	}
	if final != real {
		t.Fatalf("final = %q, want %q", final, real)
	}
}

func TestTraverseSymlinksFollowsMultiHopChain(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.WriteFile(real, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var links []string
	prev := real
	for i := 0; i < 5; i++ {
		link := filepath.Join(dir, "link"+string(rune('0'+i)))
		if err := os.Symlink(prev, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		links = append([]string{link}, links...)
		prev = link
	}

	gotLinks, final := TraverseSymlinks(dir, filepath.Base(prev))
	if len(gotLinks) != len(links) {
		t.Fatalf("expected %d hops, got %d: %v", len(links), len(gotLinks), gotLinks)
	}
	for i, want := range links {
		if gotLinks[i] != want {
			t.Fatalf("hop %d = %q, want %q", i, gotLinks[i], want)
		}
	}
	if final != real {
		t.Fatalf("final = %q, want %q", final, real)
	}
}
