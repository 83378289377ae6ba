// Package task is gup's top-level task runner: it turns each requested
// target into a Task, resolves and (maybe) builds it, and - on completion -
// records the parent -> child dependency link that lets future runs decide
// dirtiness without re-walking the filesystem. Each requested target runs
// in its own goroutine over golang.org/x/sync/errgroup, with gup's own
// jobserver gating actual build concurrency.
package task

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/gup-build/gup/internal/builder"
	"github.com/gup-build/gup/internal/dirty"
	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/gupenv"
	"github.com/gup-build/gup/internal/jobserver"
	"github.com/gup-build/gup/internal/msg"
	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/resolver"
	"github.com/gup-build/gup/internal/state"
)

// Options configures a Runner for one `gup` invocation.
type Options struct {
	// Update selects ifchange semantics: only rebuild a target if it is
	// actually stale. Without it, a requested target is always rebuilt
	// unconditionally, matching plain `gup target` vs `gup -u target`.
	Update bool

	// AllowBuild is false for query-only modes (`--dirty`): dirtiness is
	// still computed, recursively, but no build ever actually runs.
	AllowBuild bool

	Root       *gupenv.Root
	Jobs       jobserver.Server
	Log        *msg.Logger
	KeepFailed bool
}

// Runner drives one `gup` invocation's worth of targets. It also implements
// dirty.Ensurer, since the dirtiness engine needs to recursively resolve
// and (maybe) build dependency paths - the same operation a top-level
// target goes through - without either package importing the other
// directly in a cycle.
type Runner struct {
	opts    Options
	checker *dirty.Checker
}

func New(opts Options) *Runner {
	r := &Runner{opts: opts}
	r.checker = dirty.NewChecker(opts.Root.RunID, opts.AllowBuild, r)
	r.checker.Log = opts.Log
	return r
}

// RunAll resolves and (maybe) builds every target in parallel, one
// goroutine per top-level target; actual concurrency is capped by the
// jobserver, not by the errgroup itself.
func (r *Runner) RunAll(targets []string) error {
	if len(targets) == 0 {
		targets = []string{"all"}
	}
	eg, _ := errgroup.WithContext(context.Background())
	for _, t := range targets {
		target := t
		eg.Go(func() error {
			return r.Run(r.opts.Root.ParentTarget, target)
		})
	}
	return eg.Wait()
}

// Run resolves and (if needed) builds targetPath, then - if parentTarget is
// non-empty - records the resulting dependency against it. This is the body
// of both a top-level requested target and a recursive `gup -u` call.
func (r *Runner) Run(parentTarget, targetPath string) error {
	abs, err := filepath.Abs(targetPath)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	if parentTarget != "" && samePath(abs, parentTarget) {
		return gerr.NewSafe("Target `%s` attempted to build itself", targetPath)
	}

	b, links, err := resolveWithSymlinkFallback(abs)
	if err != nil {
		return err
	}

	if b == nil {
		if r.opts.Update && pathutil.Exists(abs) {
			r.logUpToDate(abs)
			return r.recordDependency(parentTarget, abs)
		}
		return &gerr.Unbuildable{Target: targetPath}
	}

	if err := r.buildIfNeeded(abs, b); err != nil {
		return err
	}
	// Every symlink hop between the requested path and the real buildable
	// target is itself a dependency: if any link is repointed, the parent
	// must be considered stale even though the final target didn't change.
	for _, link := range links {
		if err := r.recordDependency(parentTarget, link); err != nil {
			return err
		}
	}
	return r.recordDependency(parentTarget, abs)
}

// buildIfNeeded applies the -u/--update distinction: an unconditional
// build when Update is false, otherwise a dirty-gated one.
func (r *Runner) buildIfNeeded(abs string, b *resolver.Builder) error {
	if !r.opts.Update {
		_, err := builder.Build(abs, b, r.buildOpts())
		return err
	}
	parentScript, hasParent := parentBuilderScript(b)
	dirty, err := r.checker.IsDirty(abs, b.ScriptPath, hasParent, parentScript)
	if err != nil {
		return err
	}
	if !dirty {
		r.logUpToDate(abs)
		return nil
	}
	_, err = builder.Build(abs, b, r.buildOpts())
	return err
}

// Ensure implements dirty.Ensurer for dependency paths discovered while
// deciding some other target's dirtiness.
func (r *Runner) Ensure(childPath string, allowBuild bool) (bool, error) {
	b, _, err := resolveWithSymlinkFallback(childPath)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	parentScript, hasParent := parentBuilderScript(b)
	dirty, err := r.checker.IsDirty(childPath, b.ScriptPath, hasParent, parentScript)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if !allowBuild {
		return true, nil
	}
	return builder.Build(childPath, b, r.buildOpts())
}

// Dirty reports whether targetPath would be rebuilt by `gup -u`, without
// building anything - the `--dirty` query. Unlike Ensure, which treats an
// unbuildable child as a plain source file, a requested path with no
// builder at all is reported dirty: there is no record proving it up to
// date.
func (r *Runner) Dirty(targetPath string) (bool, error) {
	b, _, err := resolveWithSymlinkFallback(targetPath)
	if err != nil {
		return false, err
	}
	if b == nil {
		return true, nil
	}
	parentScript, hasParent := parentBuilderScript(b)
	return r.checker.IsDirty(targetPath, b.ScriptPath, hasParent, parentScript)
}

func (r *Runner) buildOpts() builder.Options {
	return builder.Options{Root: r.opts.Root, Jobs: r.opts.Jobs, Log: r.opts.Log, KeepFailed: r.opts.KeepFailed}
}

// logUpToDate reports a no-op build: loud at info level for the top-level
// process, quiet (debug) for recursive invocations.
func (r *Runner) logUpToDate(abs string) {
	if gupenv.IsRoot() {
		r.opts.Log.Info("%s: up to date", abs)
	} else {
		r.opts.Log.Debug("%s: up to date", abs)
	}
}

// recordDependency appends a file: record to parentTarget's deps2
// write-ahead log describing childPath, matching Task.complete: the child's
// current mtime and relative path, plus its own declared checksum (if any),
// so later runs can decide parentTarget's dirtiness without re-resolving
// childPath.
func (r *Runner) recordDependency(parentTarget, childPath string) error {
	if parentTarget == "" {
		return nil
	}
	mtime, exists := pathutil.GetMtime(childPath)
	var mtimePtr *int64
	if exists {
		mtimePtr = &mtime
	}
	rel, err := filepath.Rel(filepath.Dir(parentTarget), childPath)
	if err != nil {
		return fmt.Errorf("task: relativizing dependency: %w", err)
	}

	var checksum string
	if deps, err := state.Open(childPath).Load(); err == nil && deps != nil {
		checksum = deps.Checksum
	}

	return state.Open(parentTarget).AddDependency(state.Rule{
		Kind:     state.KindFile,
		Mtime:    mtimePtr,
		Checksum: checksum,
		Path:     rel,
	})
}

// parentBuilderScript reports the absolute script path to ensure first when
// b's own build script is itself a buildable target (resolver.Builder's
// ParentBuilder link).
func parentBuilderScript(b *resolver.Builder) (string, bool) {
	if b.ParentBuilder == nil {
		return "", false
	}
	return b.ParentBuilder.ScriptPath, true
}

// resolveWithSymlinkFallback resolves absPath, and - if it isn't directly
// buildable but is itself a symlink - follows the link (or chain of links)
// and asks whether the eventual destination is buildable instead. It also
// returns every intermediate symlink path visited along the way, via
// pathutil.TraverseSymlinks, so the caller can register a dependency on
// each hop: re-pointing any link in the chain must be enough to invalidate
// whatever depended on the final target.
func resolveWithSymlinkFallback(absPath string) (*resolver.Builder, []string, error) {
	b, err := resolver.Resolve(absPath)
	if err != nil || b != nil {
		return b, nil, err
	}

	links, final := pathutil.TraverseSymlinks(filepath.Dir(absPath), filepath.Base(absPath))
	if len(links) == 0 || final == absPath {
		return nil, nil, nil
	}
	b, err = resolver.Resolve(final)
	return b, links, err
}

// samePath reports whether a and b name the same target: their directory
// components must resolve to the same real directory (the leaf component is
// never dereferenced, so building through a symlink whose basename matches
// the real target still counts as "itself"), falling back to a literal
// comparison if either can't be resolved (e.g. a not-yet-built target).
func samePath(a, b string) bool {
	ra, aerr := pathutil.ResolveBase(a)
	rb, berr := pathutil.ResolveBase(b)
	if aerr == nil && berr == nil {
		return ra == rb
	}
	return a == b
}
