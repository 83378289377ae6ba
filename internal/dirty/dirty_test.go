package dirty

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/state"
)

type stubEnsurer struct {
	ensured map[string]bool
}

func (s *stubEnsurer) Ensure(childPath string, allowBuild bool) (bool, error) {
	if s.ensured == nil {
		s.ensured = map[string]bool{}
	}
	s.ensured[childPath] = true
	return false, nil
}

// builderScriptFor returns the stable build-script path every test in this
// file uses, creating it on disk so the automatic "builder:" header record
// PerformBuild writes refers to a real, unchanging file.
func builderScriptFor(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "build.sh")
	if _, err := os.Stat(p); err != nil {
		os.WriteFile(p, nil, 0o755)
	}
	return p
}

func writeDeps(t *testing.T, target string, d *state.Deps) {
	t.Helper()
	store := state.Open(target)
	_, err := store.PerformBuild(builderScriptFor(t, filepath.Dir(target)), d.RunID, func(prior *state.Deps) (bool, error) {
		for _, r := range d.Rules {
			if err := store.AddDependency(r); err != nil {
				return false, err
			}
		}
		if d.Checksum != "" {
			if err := store.AddChecksum(d.Checksum); err != nil {
				return false, err
			}
		}
		os.WriteFile(target, nil, 0o644)
		return true, nil
	})
	if err != nil {
		t.Fatalf("seeding deps: %v", err)
	}
}

func TestIsDirtyNoRecordIsDirty(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	c := NewChecker("run-2", true, &stubEnsurer{})
	dirty, err := c.IsDirty(target, filepath.Join(dir, "build.sh"), false, "")
	if err != nil || !dirty {
		t.Fatalf("IsDirty with no prior record = %v, %v, want true, nil", dirty, err)
	}
}

func TestIsDirtyCleanWhenNothingChanged(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	dep := filepath.Join(dir, "dep")
	os.WriteFile(dep, []byte("x"), 0o644)
	mt, _ := pathutil.GetMtime(dep)

	writeDeps(t, target, &state.Deps{
		RunID: "run-1",
		Rules: []state.Rule{{Kind: state.KindFile, Mtime: &mt, Path: "dep"}},
	})

	c := NewChecker("run-2", true, &stubEnsurer{})
	dirty, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil || dirty {
		t.Fatalf("IsDirty with nothing changed = %v, %v, want false, nil", dirty, err)
	}
}

func TestIsDirtyMissingTargetIsDirty(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	dep := filepath.Join(dir, "dep")
	os.WriteFile(dep, []byte("x"), 0o644)
	mt, _ := pathutil.GetMtime(dep)

	writeDeps(t, target, &state.Deps{
		RunID: "run-1",
		Rules: []state.Rule{{Kind: state.KindFile, Mtime: &mt, Path: "dep"}},
	})
	// Removing the built output must make the target stale even though every
	// recorded dependency is untouched - this is what keeps a pseudo-task
	// (whose output is cleaned up after each run) building every time.
	os.Remove(target)

	c := NewChecker("run-2", true, &stubEnsurer{})
	dirty, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil || !dirty {
		t.Fatalf("IsDirty with a missing target = %v, %v, want true, nil", dirty, err)
	}
}

func TestIsDirtyAlwaysRecord(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	writeDeps(t, target, &state.Deps{
		RunID: "run-1",
		Rules: []state.Rule{{Kind: state.KindAlways}},
	})

	c := NewChecker("run-2", true, &stubEnsurer{})
	dirty, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil || !dirty {
		t.Fatalf("always: record should always be dirty: %v, %v", dirty, err)
	}
}

func TestIsDirtySameRunIDIsClean(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	writeDeps(t, target, &state.Deps{
		RunID: "run-shared",
		Rules: []state.Rule{{Kind: state.KindAlways}},
	})

	c := NewChecker("run-shared", true, &stubEnsurer{})
	dirty, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil || dirty {
		t.Fatalf("a target already (re)built this run_id must read clean: %v, %v", dirty, err)
	}
}

func TestIsDirtyMemoizesPerTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	writeDeps(t, target, &state.Deps{RunID: "run-1", Rules: []state.Rule{{Kind: state.KindAlways}}})

	c := NewChecker("run-2", true, &stubEnsurer{})
	first, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil {
		t.Fatal(err)
	}
	// Mutate the on-disk state in a way that would flip the verdict if
	// re-evaluated, then confirm the cached answer is returned instead.
	os.RemoveAll(state.Open(target).MetaPath("deps"))
	second, err := c.IsDirty(target, builderScriptFor(t, dir), false, "")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("IsDirty should memoize per target within one Checker: %v != %v", first, second)
	}
}
