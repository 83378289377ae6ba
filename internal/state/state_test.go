package state

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestRoundTrip: write then read back yields an
// identical record sequence and metadata.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")

	mtime := int64(12345)
	var buf bytes.Buffer
	buf.WriteString("version: 3\n")
	buf.WriteString("run: abc123\n")
	buf.WriteString(Rule{Kind: KindBuilder, Mtime: &mtime, Path: "build.sh"}.line() + "\n")
	buf.WriteString(Rule{Kind: KindFile, Mtime: &mtime, Checksum: "deadbeef", Path: "dep"}.line() + "\n")
	buf.WriteString(Rule{Kind: KindFile, Path: "notyet"}.line() + "\n") // --ifcreate: no mtime
	buf.WriteString("always:\n")
	buf.WriteString("checksum: cafef00d\n")
	buf.WriteString("clobbers:\n")
	buf.WriteString("built: 999\n")

	d, err := Parse(target, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.RunID != "abc123" {
		t.Errorf("RunID = %q", d.RunID)
	}
	if d.Checksum != "cafef00d" {
		t.Errorf("Checksum = %q", d.Checksum)
	}
	if !d.Clobbers {
		t.Errorf("Clobbers = false")
	}
	if !d.HasBuilt || d.BuiltMtime == nil || *d.BuiltMtime != 999 {
		t.Errorf("built record not parsed: %+v", d)
	}
	if len(d.Rules) != 4 {
		t.Fatalf("len(Rules) = %d, want 4", len(d.Rules))
	}
	if d.Rules[0].Kind != KindBuilder || *d.Rules[0].Mtime != mtime || d.Rules[0].Path != "build.sh" {
		t.Errorf("builder rule mismatch: %+v", d.Rules[0])
	}
	if d.Rules[1].Checksum != "deadbeef" {
		t.Errorf("file rule checksum mismatch: %+v", d.Rules[1])
	}
	if d.Rules[2].Mtime != nil {
		t.Errorf("ifcreate rule should have nil Mtime: %+v", d.Rules[2])
	}
	if d.Rules[3].Kind != KindAlways {
		t.Errorf("always rule mismatch: %+v", d.Rules[3])
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse("t", bytes.NewReader([]byte("version: 2\nrun: x\n")))
	if err == nil {
		t.Fatalf("expected an error for an unsupported schema version")
	}
}

func TestPerformBuildSkipsSameRunID(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	store := Open(target)

	calls := 0
	built, err := store.PerformBuild(filepath.Join(dir, "build.sh"), "run-1", func(prior *Deps) (bool, error) {
		calls++
		os.WriteFile(target, []byte("x"), 0o644)
		return true, nil
	})
	if err != nil || !built {
		t.Fatalf("first PerformBuild: built=%v err=%v", built, err)
	}

	built, err = store.PerformBuild(filepath.Join(dir, "build.sh"), "run-1", func(prior *Deps) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil || built {
		t.Fatalf("second PerformBuild (same run_id) should short-circuit: built=%v err=%v", built, err)
	}
	if calls != 1 {
		t.Fatalf("doBuild invoked %d times, want 1", calls)
	}
}

func TestChecksumFilesOrderMatters(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("hello"), 0o644)
	os.WriteFile(b, []byte("world"), 0o644)

	csAB, err := ChecksumFiles([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	csBA, err := ChecksumFiles([]string{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if csAB == csBA {
		t.Fatalf("checksum should depend on argument order")
	}
	csStream, err := ChecksumStream(bytes.NewReader([]byte("helloworld")))
	if err != nil {
		t.Fatal(err)
	}
	if csAB != csStream {
		t.Fatalf("ChecksumFiles(a,b) = %s, want == ChecksumStream(helloworld) = %s", csAB, csStream)
	}
}
