package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/gup-build/gup/internal/builder"
	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/task"
)

// runBuild is rootCmd's default action: `gup [-u] [-j N] [targets...]`.
// Without -u/--update/--ifchange every named target is rebuilt
// unconditionally; with it, only targets the dirtiness engine finds stale
// are rebuilt.
func runBuild(cmd *cobra.Command, args []string) {
	root, log := newContext()

	var jobsPtr *int
	if flagJobs != "" {
		n, err := builder.ParseJobs(flagJobs)
		if err != nil {
			exitProcess(log, gerr.NewSafe("%s", err.Error()))
		}
		jobsPtr = &n
	}

	jobs, err := setupJobserver(root, log, jobsPtr)
	if err != nil {
		exitProcess(log, err)
	}
	defer jobs.Close()

	// SIGINT reaches the whole foreground process group, so the build
	// scripts die on their own; all that is left here is to notice the
	// interrupt once outstanding children have been drained and exit 2
	// without piling an error message on top.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	runner := task.New(task.Options{
		Update:     flagUpdate || flagIfchange,
		AllowBuild: true,
		Root:       root,
		Jobs:       jobs,
		Log:        log,
		KeepFailed: flagKeepFailed,
	})

	runErr := runner.RunAll(args)
	signal.Stop(interrupted)
	select {
	case <-interrupted:
		jobs.Close()
		os.Exit(2)
	default:
	}
	// exitProcess calls os.Exit, so the deferred Close above never runs on
	// this path; close (and, for an owned pipe, drain-check) explicitly.
	if closeErr := jobs.Close(); runErr == nil {
		runErr = closeErr
	}
	exitProcess(log, runErr)
}
