// Package gupenv carries the process-wide configuration of one gup
// invocation. It is built once by the root process and reconstructed from
// environment variables in every recursive `gup` invocation, so no package
// in this tree keeps mutable global state.
package gupenv

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	envTarget     = "GUP_TARGET"
	envRoot       = "GUP_ROOT"
	envRunID      = "GUP_RUNID"
	envIndent     = "GUP_INDENT"
	envVerbose    = "GUP_VERBOSE"
	envXtrace     = "GUP_XTRACE"
	envInPath     = "GUP_IN_PATH"
	envJobserver  = "GUP_JOBSERVER"
	envKeepFailed = "GUP_KEEP_FAILED"
)

// Root is the full set of process-wide knobs a gup invocation needs. It is
// passed explicitly to every package that needs it rather than kept in
// package-level globals.
type Root struct {
	RunID      string
	RootCwd    string
	Verbosity  int
	Trace      bool
	KeepFailed bool
	Indent     string
	InPath     bool

	// ParentTarget is the absolute path of the target currently being built
	// by our parent `gup` process, if any ($GUP_TARGET). Empty at the root.
	ParentTarget string

	// JobserverEnv holds whatever $GUP_JOBSERVER value the jobserver package
	// decided children should inherit ("0" for serial, or a pipe path).
	JobserverEnv string
}

// NewRoot builds the configuration for a top-level `gup` invocation: it is
// never called by a recursive child, which instead uses FromEnv.
func NewRoot(verbosity int, trace, keepFailed bool) (*Root, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("gupenv: getwd: %w", err)
	}
	return &Root{
		RunID:      strconv.FormatInt(time.Now().UnixMilli(), 10),
		RootCwd:    cwd,
		Verbosity:  verbosity,
		Trace:      trace,
		KeepFailed: keepFailed,
		Indent:     "",
	}, nil
}

// FromEnv reconstructs the configuration of a recursive `gup` invocation
// from the environment its parent process set up. It panics if
// GUP_ROOT/GUP_RUNID are not both present, since a child process that
// can't find its parent's run context indicates a broken invocation rather
// than a recoverable error.
func FromEnv(verbosity int, trace, keepFailed bool) *Root {
	root := os.Getenv(envRoot)
	runID := os.Getenv(envRunID)
	if root == "" || runID == "" {
		panic("gupenv: GUP_ROOT/GUP_RUNID must both be set in a recursive invocation")
	}
	// $GUP_VERBOSE is the inherited baseline; any -v/-q flags given to this
	// recursive invocation adjust it rather than replace it.
	v := verbosity
	if s := os.Getenv(envVerbose); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			v = parsed + verbosity
		}
	}
	return &Root{
		RunID:        runID,
		RootCwd:      root,
		Verbosity:    v,
		Trace:        trace || os.Getenv(envXtrace) == "1",
		KeepFailed:   keepFailed || os.Getenv(envKeepFailed) == "1",
		Indent:       os.Getenv(envIndent),
		ParentTarget: os.Getenv(envTarget),
		InPath:       os.Getenv(envInPath) == "1",
		JobserverEnv: os.Getenv(envJobserver),
	}
}

// IsRoot reports whether this process is the top-level `gup` invocation.
func IsRoot() bool {
	return os.Getenv(envRoot) == ""
}

// ChildEnv returns the environment variable assignments (in "K=V" form,
// ready to append to os.Environ()) that a recursive `gup` invocation, or a
// build script it execs, should inherit.
func (r *Root) ChildEnv(target string) []string {
	indent := r.Indent + "  "
	env := []string{
		envRoot + "=" + r.RootCwd,
		envRunID + "=" + r.RunID,
		envIndent + "=" + indent,
		envVerbose + "=" + strconv.Itoa(r.Verbosity),
	}
	if target != "" {
		env = append(env, envTarget+"="+target)
	}
	if r.Trace {
		env = append(env, envXtrace+"=1")
	}
	if r.KeepFailed {
		env = append(env, envKeepFailed+"=1")
	}
	if r.InPath {
		env = append(env, envInPath+"=1")
	}
	if r.JobserverEnv != "" {
		env = append(env, envJobserver+"="+r.JobserverEnv)
	}
	return env
}

// MarkInPath records that $PATH already contains gup's own directory, so
// the bootstrap check in cmd only ever runs once per process tree.
func (r *Root) MarkInPath() {
	r.InPath = true
	os.Setenv(envInPath, "1")
}
