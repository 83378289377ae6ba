package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, nil, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestResolveDirectSibling(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "foo.gup"))

	b, err := Resolve(filepath.Join(dir, "foo"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected a builder")
	}
	if b.ScriptPath != filepath.Join(dir, "foo.gup") {
		t.Errorf("ScriptPath = %s", b.ScriptPath)
	}
	if b.TargetName != "foo" {
		t.Errorf("TargetName = %s", b.TargetName)
	}
	if b.BaseDir != dir {
		t.Errorf("BaseDir = %s", b.BaseDir)
	}
}

func TestResolveUnbuildableReturnsNil(t *testing.T) {
	dir := t.TempDir()
	b, err := Resolve(filepath.Join(dir, "nope"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b != nil {
		t.Fatalf("expected no builder, got %+v", b)
	}
}

func TestResolveViaGupfileWildcard(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build.sh"))
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("build.sh:\n\t*.txt\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, "x.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected a builder")
	}
	if b.ScriptPath != filepath.Join(dir, "build.sh") {
		t.Errorf("ScriptPath = %s", b.ScriptPath)
	}
	if b.TargetName != "x.txt" {
		t.Errorf("TargetName = %s", b.TargetName)
	}
}

func TestWildcardRuleCannotCannibalizeGupfile(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build.sh"))
	// A bare "*" pattern must not claim "Gupfile" or another "*.gup" file -
	// only an exact (non-glob) rule may name those.
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("build.sh:\n\t*\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, GupfileName))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b != nil {
		t.Fatalf("a wildcard rule should never claim the Gupfile itself, got %+v", b)
	}
}

func TestMissingNamedBuilderIsAnError(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("missing.sh:\n\t*.txt\n"), 0o644)

	_, err := Resolve(filepath.Join(dir, "x.txt"))
	if err == nil {
		t.Fatalf("expected an error for a rule naming a nonexistent script")
	}
}

func TestGlobPatternCharsAreLiteral(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build.sh"))
	// "?", "[", and "]" are not gup glob metacharacters - they must only
	// match a target whose name contains those exact characters, not be
	// treated as a single-char wildcard or a character class.
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("build.sh:\n\tfile[1].txt\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, "file[1].txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected a builder for the literal name")
	}

	b, err = Resolve(filepath.Join(dir, "fileX.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b != nil {
		t.Fatalf("'[1]' must not act as a glob character class, got %+v", b)
	}
}

func TestExactMatchIgnoresExcludes(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build.sh"))
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("build.sh:\n\tGupfile\n\t!Gupfile\n"), 0o644)

	// Gupfile itself can only be claimed by an exact rule; an exclude of
	// the same literal name must not be consulted for that exact-only
	// check - only includes are.
	b, err := Resolve(filepath.Join(dir, GupfileName))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected the exact rule to win despite a matching exclude")
	}
}

func TestResolveDirectViaGupMirror(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "gup", "sub", "foo.gup"))

	b, err := Resolve(filepath.Join(dir, "sub", "foo"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected a builder from the gup/ mirror")
	}
	if b.ScriptPath != filepath.Join(dir, "gup", "sub", "foo.gup") {
		t.Errorf("ScriptPath = %s", b.ScriptPath)
	}
	if b.TargetName != "foo" {
		t.Errorf("TargetName = %s", b.TargetName)
	}
	// The script runs where the target lives, not inside the gup/ mirror.
	if b.BaseDir != filepath.Join(dir, "sub") {
		t.Errorf("BaseDir = %s", b.BaseDir)
	}
}

func TestResolveAncestorGupfileSeesRelativePath(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build.sh"))
	os.WriteFile(filepath.Join(dir, GupfileName), []byte("build.sh:\n\tsub/*.txt\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, "sub", "x.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected the ancestor Gupfile's rule to match sub/x.txt")
	}
	if b.TargetName != filepath.Join("sub", "x.txt") {
		t.Errorf("TargetName = %s", b.TargetName)
	}
	want := dir
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		want = real
	}
	if b.BaseDir != want {
		t.Errorf("BaseDir = %s, want %s", b.BaseDir, want)
	}
}

func TestResolveMirroredGupfile(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "gup", "sub", "build.sh"))
	os.WriteFile(filepath.Join(dir, "gup", "sub", GupfileName), []byte("build.sh:\n\t*.txt\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, "sub", "x.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil {
		t.Fatalf("expected the mirrored Gupfile's rule to match x.txt")
	}
	if b.ScriptPath != filepath.Join(dir, "gup", "sub", "build.sh") {
		t.Errorf("ScriptPath = %s", b.ScriptPath)
	}
	if b.TargetName != "x.txt" {
		t.Errorf("TargetName = %s", b.TargetName)
	}
}

func TestParentBuilderLink(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "make-builder.sh"))
	touch(t, filepath.Join(dir, "build.sh"))
	os.WriteFile(filepath.Join(dir, GupfileName),
		[]byte("build.sh:\n\t*.txt\nmake-builder.sh:\n\tbuild.sh\n"), 0o644)

	b, err := Resolve(filepath.Join(dir, "x.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b == nil || b.ParentBuilder == nil {
		t.Fatalf("expected a parent_builder link for build.sh, got %+v", b)
	}
	if b.ParentBuilder.ScriptPath != filepath.Join(dir, "make-builder.sh") {
		t.Errorf("parent ScriptPath = %s", b.ParentBuilder.ScriptPath)
	}
	if b.ParentBuilder.TargetName != "build.sh" {
		t.Errorf("parent TargetName = %s", b.ParentBuilder.TargetName)
	}
}

func TestBuildable(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "foo.gup"))

	ok, err := Buildable(filepath.Join(dir, "foo"))
	if err != nil || !ok {
		t.Fatalf("Buildable(foo) = %v, %v, want true, nil", ok, err)
	}
	ok, err = Buildable(filepath.Join(dir, "bar"))
	if err != nil || ok {
		t.Fatalf("Buildable(bar) = %v, %v, want false, nil", ok, err)
	}
}
