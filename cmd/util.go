package cmd

import (
	"os"
	"path/filepath"

	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/gupenv"
	"github.com/gup-build/gup/internal/jobserver"
	"github.com/gup-build/gup/internal/msg"
)

// newContext builds the ambient Root/Logger pair every subcommand needs:
// the top-level process builds a fresh Root, a recursive `gup` invocation
// (GUP_ROOT/GUP_RUNID already in its environment) reconstructs one from
// the environment instead.
func newContext() (*gupenv.Root, *msg.Logger) {
	var root *gupenv.Root
	var err error
	if gupenv.IsRoot() {
		root, err = gupenv.NewRoot(verbosity(), flagTrace, flagKeepFailed)
	} else {
		root = gupenv.FromEnv(verbosity(), flagTrace, flagKeepFailed)
	}
	if err != nil {
		msg.Fatal("%v", err)
	}
	log := msg.New(root.Verbosity, root.Indent)
	bootstrapPath(root)
	return root, log
}

// bootstrapPath prepends gup's own directory to $PATH once per process
// tree, so build scripts that invoke a bare `gup` on $PATH keep working even
// when the top-level invocation came from a relative or absolute path not
// already on it. Sticky via $GUP_IN_PATH.
func bootstrapPath(root *gupenv.Root) {
	if root.InPath {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		return
	}
	dir := filepath.Dir(exe)
	for _, p := range filepath.SplitList(os.Getenv("PATH")) {
		if p == dir {
			root.MarkInPath()
			return
		}
	}
	os.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	root.MarkInPath()
}

// setupJobserver discovers this invocation's concurrency token source and
// records the value children should inherit back onto root.
func setupJobserver(root *gupenv.Root, log *msg.Logger, explicitJobs *int) (jobserver.Server, error) {
	srv, err := jobserver.Discover(root.JobserverEnv, os.Getenv("MAKEFLAGS"), explicitJobs, log.Warn)
	if err != nil {
		return nil, err
	}
	root.JobserverEnv = srv.Env()
	return srv, nil
}

// exitProcess reports err (unless it is a contentless Safe, already logged
// by whoever raised it) and terminates: a root invocation exits with
// gerr.ExitCode, while a recursive `gup -u` invocation always exits
// gerr.SafeExitCode regardless of the underlying error kind, so its parent
// builder process can recognize "already logged" and avoid printing the
// failure twice.
func exitProcess(log *msg.Logger, err error) {
	if err == nil {
		os.Exit(0)
	}
	if text := err.Error(); text != "" {
		log.Error("%s", text)
	}
	if gupenv.IsRoot() {
		os.Exit(gerr.ExitCode(err))
	}
	os.Exit(gerr.SafeExitCode)
}

// assertParentTarget reports $GUP_TARGET for a buildscript-only action
// (--always, --ifcreate, --contents, --leave), warning and reporting "not
// applicable" if this process isn't currently building anything - these
// actions are harmless no-ops outside a build, so no error.
func assertParentTarget(root *gupenv.Root, log *msg.Logger) (string, bool) {
	if root.ParentTarget == "" {
		log.Warn("$GUP_TARGET is not set - not currently building a target, ignoring")
		return "", false
	}
	return root.ParentTarget, true
}
