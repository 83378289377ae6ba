// Package dirty implements gup's incremental correctness engine: given a
// target's stored dependency record and its resolver result, decide
// whether it is stale, recursively ensuring the child targets needed to
// answer that question.
package dirty

import (
	"path/filepath"
	"sync"

	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/state"
)

// Ensurer makes a dependency path up to date on demand: when allowBuild is
// true it actually (re)builds childPath if it turns out to be a buildable,
// dirty target and reports whether a build happened; when false (query
// mode, e.g. `--dirty`) it only reports whether a build would happen,
// without any side effect. The task package supplies this, since deciding
// "is this path itself a target, and is it dirty" requires the resolver and
// builder, which would otherwise cycle back to this package.
type Ensurer interface {
	Ensure(childPath string, allowBuild bool) (rebuilt bool, err error)
}

// Logger receives human-readable warnings for conditions that don't affect
// the dirty/clean verdict but are worth surfacing, e.g. an externally
// modified build output.
type Logger interface {
	Warn(format string, a ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Checker decides whether stored targets are stale. One Checker is shared
// across every target resolved within a single `gup` invocation so that a
// distinct child path is examined (and, if dirty, rebuilt) at most once per
// run_id even when many parents depend on it.
type Checker struct {
	RunID      string
	AllowBuild bool
	Ensure     Ensurer
	Log        Logger

	mu   sync.Mutex // guards seen: top-level targets are checked concurrently
	seen map[string]bool
}

// NewChecker builds a Checker for one top-level `gup` invocation.
func NewChecker(runID string, allowBuild bool, ensure Ensurer) *Checker {
	return &Checker{RunID: runID, AllowBuild: allowBuild, Ensure: ensure, Log: nopLogger{}, seen: map[string]bool{}}
}

// IsDirty decides whether targetPath is stale. builderScript is the
// absolute path to the build script the resolver currently picks for this
// target. hasParentBuilder/parentBuilderScript mirror
// resolver.Builder.ParentBuilder: set when the build script is itself a
// buildable target, which must be brought up to date first.
func (c *Checker) IsDirty(targetPath, builderScript string, hasParentBuilder bool, parentBuilderScript string) (bool, error) {
	c.mu.Lock()
	cached, ok := c.seen[targetPath]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	dirty, err := c.compute(targetPath, builderScript, hasParentBuilder, parentBuilderScript)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.seen[targetPath] = dirty
	c.mu.Unlock()
	return dirty, nil
}

func (c *Checker) compute(targetPath, builderScript string, hasParentBuilder bool, parentBuilderScript string) (bool, error) {
	// Step 1: the build script is itself a target - ensure it first.
	if hasParentBuilder {
		rebuilt, err := c.Ensure.Ensure(parentBuilderScript, c.AllowBuild)
		if err != nil {
			return false, err
		}
		if rebuilt {
			return true, nil
		}
	}

	// Step 2: no stored record at all -> dirty.
	store := state.Open(targetPath)
	prior, err := store.Load()
	if err != nil {
		return false, err
	}
	if prior == nil {
		return true, nil
	}

	// Step 3: already (re)built earlier in this very run.
	if prior.RunID == c.RunID {
		return false, nil
	}

	// A missing target is always stale, whatever its records say - this is
	// what makes a pseudo-task (whose stale output file gets removed after
	// each run) build again on every invocation.
	if !pathutil.Exists(targetPath) {
		return true, nil
	}

	targetDir := filepath.Dir(targetPath)

	// Step 4: walk the stored records in order, short-circuiting on the
	// first one that declares dirtiness.
	for _, r := range prior.Rules {
		switch r.Kind {
		case state.KindAlways:
			return true, nil
		case state.KindBuilder:
			relBuilder, err := filepath.Rel(targetDir, builderScript)
			if err != nil {
				return false, err
			}
			if filepath.Clean(relBuilder) != filepath.Clean(r.Path) {
				return true, nil
			}
			dirty, err := c.checkFileRecord(targetDir, r)
			if err != nil {
				return false, err
			}
			if dirty {
				return true, nil
			}
		case state.KindFile:
			dirty, err := c.checkFileRecord(targetDir, r)
			if err != nil {
				return false, err
			}
			if dirty {
				return true, nil
			}
		}
	}

	// The target's built: record: has something besides gup modified it
	// directly since the last successful build?
	if prior.HasBuilt {
		cur, ok := pathutil.GetMtime(targetPath)
		if !ok || (prior.BuiltMtime != nil && cur != *prior.BuiltMtime) {
			if !pathutil.IsDir(targetPath) {
				c.Log.Warn("%s was modified outside of gup", targetPath)
				return true, nil
			}
		}
	}

	return false, nil
}

// checkFileRecord decides one file:/builder: record: stored mtime
// "-" means the file must not exist (--ifcreate semantics); otherwise the
// child is first ensured up to date (it may be a stale target even while
// its own mtime is unchanged), and then - if its mtime differs from the
// recorded one and a checksum was recorded - the child's own declared
// content checksum is compared before declaring dirt. In query mode a
// child that would be rebuilt makes this record dirty.
func (c *Checker) checkFileRecord(targetDir string, r state.Rule) (bool, error) {
	childPath := filepath.Join(targetDir, r.Path)

	if r.Mtime == nil {
		// --ifcreate: dirty iff the file has since come into existence.
		return pathutil.Exists(childPath), nil
	}

	rebuilt, err := c.Ensure.Ensure(childPath, c.AllowBuild)
	if err != nil {
		return false, err
	}
	if rebuilt && !c.AllowBuild {
		return true, nil
	}
	curMtime, exists := pathutil.GetMtime(childPath)
	if !exists || curMtime != *r.Mtime {
		if r.Checksum != "" {
			childDeps, err := state.Open(childPath).Load()
			if err != nil {
				return false, err
			}
			if childDeps != nil && childDeps.Checksum == r.Checksum {
				return false, nil // content unchanged: the mtime move doesn't matter
			}
		}
		return true, nil
	}
	return false, nil
}
