// This file implements gup's two query-only actions, neither of which ever
// triggers a build side-effect it doesn't already need to answer the
// question: --buildable (pure resolution) and --dirty (resolution plus the
// dirtiness engine in query mode).
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gup-build/gup/internal/jobserver"
	"github.com/gup-build/gup/internal/resolver"
	"github.com/gup-build/gup/internal/task"
)

var buildableCmd = &cobra.Command{
	Use:    "buildable <path>",
	Short:  "exit 0 if path has a builder, 1 otherwise",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		_, log := newContext()
		ok, err := resolver.Buildable(args[0])
		if err != nil {
			log.Error("%v", err)
			os.Exit(2)
		}
		if ok {
			os.Exit(0)
		}
		os.Exit(1)
	},
}

var dirtyCmd = &cobra.Command{
	Use:    "dirty <paths...>",
	Short:  "exit 0 if any path would be rebuilt, 1 if all are clean",
	Args:   cobra.MinimumNArgs(1),
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		root, log := newContext()
		// Query mode still needs a token source in case resolving a child's
		// dirtiness requires recursively resolving further descendants, even
		// though AllowBuild=false means no build ever actually runs.
		runner := task.New(task.Options{
			Update:     true,
			AllowBuild: false,
			Root:       root,
			Jobs:       jobserver.NewSerial(),
			Log:        log,
		})

		anyDirty := false
		for _, t := range args {
			abs, err := filepath.Abs(t)
			if err != nil {
				exitProcess(log, err)
			}
			dirty, err := runner.Dirty(filepath.Clean(abs))
			if err != nil {
				exitProcess(log, err)
			}
			if dirty {
				anyDirty = true
			}
		}
		if anyDirty {
			os.Exit(0)
		}
		os.Exit(1)
	},
}
