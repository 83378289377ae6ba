// Package builder implements gup's build execution protocol: spawning a
// build script under the argv/env contract, atomically installing its
// output, and detecting clobbers and pseudo-tasks.
package builder

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/gupenv"
	"github.com/gup-build/gup/internal/jobserver"
	"github.com/gup-build/gup/internal/msg"
	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/resolver"
	"github.com/gup-build/gup/internal/state"
)

// Options bundles the ambient context one build execution needs.
type Options struct {
	Root       *gupenv.Root
	Jobs       jobserver.Server
	Log        *msg.Logger
	KeepFailed bool
}

// Build runs store's build script (if any build is actually required - the
// caller has already decided that) and installs its result, wrapped in the
// atomic header/footer bookkeeping from internal/state. It returns true iff
// the build script actually ran and completed; false means a concurrent
// invocation already handled it, per the run_id short-circuit.
func Build(targetPath string, b *resolver.Builder, opts Options) (bool, error) {
	store := state.Open(targetPath)
	return store.PerformBuild(b.ScriptPath, opts.Root.RunID, func(prior *state.Deps) (bool, error) {
		return execute(targetPath, b, opts, store, prior)
	})
}

func execute(targetPath string, b *resolver.Builder, opts Options, store *state.Store, prior *state.Deps) (bool, error) {
	if err := pathutil.Mkdirp(b.BaseDir); err != nil {
		return false, fmt.Errorf("builder: creating %s: %w", b.BaseDir, err)
	}

	stagingPath, err := store.OutputPath()
	if err != nil {
		return false, err
	}
	pathutil.TryRemove(stagingPath)

	preMtime, preExists := pathutil.GetMtime(targetPath)

	argv, err := resolveArgv(b.ScriptPath, stagingPath, b.TargetName)
	if err != nil {
		return false, gerr.NewSafe("%s", err.Error())
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = b.BaseDir
	cmd.Stdin = os.Stdin
	// The script's output is indented one level below our own messages;
	// deeper recursion accumulates naturally, since each gup process wraps
	// its child's whole stream - including the already-indented output of
	// any gup invocations the script forks.
	cmd.Stdout = &msg.IndentWriter{Indent: "  ", W: os.Stdout}
	cmd.Stderr = &msg.IndentWriter{Indent: "  ", W: os.Stderr}
	cmd.Env = append(os.Environ(), opts.Root.ChildEnv(targetPath)...)

	if opts.Root.Trace && opts.Log != nil {
		opts.Log.Info("+ %s", strings.Join(argv, " "))
	}

	if err := opts.Jobs.Acquire(); err != nil {
		pathutil.TryRemove(stagingPath)
		return false, fmt.Errorf("builder: acquiring job token: %w", err)
	}
	runErr := cmd.Run()
	opts.Jobs.Release()

	postMtime, postExists := pathutil.GetMtime(targetPath)
	clobbered := preExists != postExists || (preExists && postExists && preMtime != postMtime)
	if clobbered && !pathutil.IsDir(targetPath) {
		already := prior != nil && prior.Clobbers
		if !already && opts.Log != nil {
			opts.Log.Warn("%s modified %s directly - this is rarely a good idea", b.ScriptPath, targetPath)
		}
		if err := store.MarkClobbers(); err != nil {
			return false, err
		}
	}

	status := exitStatus(runErr)
	stagingExists := pathutil.Exists(stagingPath)

	if status != 0 {
		if !opts.KeepFailed || !stagingExists {
			pathutil.TryRemove(stagingPath)
		}
		if status == gerr.SafeExitCode {
			// The script's own `gup` sub-invocation already printed a
			// human-readable error for itself; don't make it worse by
			// also reporting a generic "failed with status 10" above it.
			return false, gerr.NewSafe("")
		}
		failed := &gerr.TargetFailed{Target: targetPath, Status: status}
		if opts.KeepFailed && stagingExists {
			failed.TempFile = stagingPath
		}
		return false, failed
	}

	if stagingExists {
		return true, installOutput(stagingPath, targetPath)
	}

	// Pseudo-task: the script wrote nothing to the staging file.
	if !clobbered {
		if info, err := os.Lstat(targetPath); err == nil && info.Mode().IsRegular() {
			pathutil.TryRemove(targetPath)
		}
	}
	return true, nil
}

// installOutput replaces target with staging atomically, removing target
// first if either side is a directory (a plain rename can't replace a
// non-empty directory, or replace a file with a directory, on most
// platforms).
func installOutput(staging, target string) error {
	if pathutil.Exists(target) && (pathutil.IsDir(target) || pathutil.IsDir(staging)) {
		if err := pathutil.TryRemove(target); err != nil {
			return fmt.Errorf("builder: removing old %s: %w", target, err)
		}
	}
	return pathutil.RenameAtomic(staging, target)
}

// resolveArgv builds the full argv for exec.Command: the interpreter chain
// (if the script has a shebang), the script path, the staging path, and the
// target name.
func resolveArgv(scriptPath, stagingPath, targetName string) ([]string, error) {
	interp, err := resolveInterpreter(scriptPath)
	if err != nil {
		return nil, err
	}
	argv := append(append([]string{}, interp...), scriptPath, stagingPath, targetName)
	return argv, nil
}

// resolveInterpreter reads scriptPath's shebang line (if any) and returns
// the interpreter argv prefix. A missing absolute interpreter is an error,
// except for the common "#!/usr/bin/env prog" pattern: if env isn't found
// at its recorded absolute path, it is elided and the remaining tokens are
// used directly - gup's portability escape hatch for scripts written on a
// system where /usr/bin/env lives somewhere else.
func resolveInterpreter(scriptPath string) ([]string, error) {
	f, err := os.Open(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", scriptPath, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	prefix, err := r.Peek(2)
	if err != nil || !bytes.Equal(prefix, []byte("#!")) {
		return nil, nil // no shebang: exec the script directly
	}
	if _, err := r.Discard(2); err != nil {
		return nil, err
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%s has an empty shebang line", scriptPath)
	}

	if strings.HasPrefix(tokens[0], ".") {
		tokens[0] = filepath.Join(filepath.Dir(scriptPath), tokens[0])
	}

	interp := withExecutableExt(tokens[0])
	if filepath.IsAbs(interp) {
		if _, err := os.Stat(interp); err != nil {
			if filepath.Base(interp) == "env" && len(tokens) > 1 {
				return tokens[1:], nil
			}
			return nil, fmt.Errorf("interpreter %s (from %s) does not exist", interp, scriptPath)
		}
		tokens[0] = interp
		return tokens, nil
	}

	if _, err := exec.LookPath(interp); err != nil {
		return nil, fmt.Errorf("interpreter %q (from %s) not found on $PATH", interp, scriptPath)
	}
	tokens[0] = interp
	return tokens, nil
}

// withExecutableExt tries each %PATHEXT% extension in turn on Windows,
// where a bare interpreter name in a shebang line commonly omits its
// extension; a no-op everywhere else.
func withExecutableExt(interp string) string {
	if runtime.GOOS != "windows" || filepath.Ext(interp) != "" {
		return interp
	}
	exts := strings.Split(os.Getenv("PATHEXT"), string(os.PathListSeparator))
	for _, ext := range exts {
		if ext == "" {
			continue
		}
		candidate := interp + ext
		if filepath.IsAbs(candidate) {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		} else if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return interp
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return gerr.UnknownErrorCode
}

// ParseJobs validates the -j/--jobs argument the way _build's
// `assert jobs > 0 and jobs < 1000` does.
func ParseJobs(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("builder: invalid -j value %q", s)
	}
	if n <= 0 || n >= 1000 {
		return 0, fmt.Errorf("builder: -j value must be between 1 and 999")
	}
	return n, nil
}
