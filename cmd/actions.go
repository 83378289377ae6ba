// This file implements gup's buildscript-facing actions: the sub-commands a
// build script invokes on itself (never directly by a user) to attach
// sentinel or checksum records to $GUP_TARGET's dependency store.
package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/state"
)

var alwaysCmd = &cobra.Command{
	Use:    "always",
	Short:  "mark $GUP_TARGET as always dirty",
	Args:   cobra.NoArgs,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		root, log := newContext()
		target, ok := assertParentTarget(root, log)
		if !ok {
			return
		}
		exitProcess(log, state.Open(target).AddDependency(state.Rule{Kind: state.KindAlways}))
	},
}

var ifcreateCmd = &cobra.Command{
	Use:    "ifcreate [files...]",
	Short:  "rebuild $GUP_TARGET if any of files comes into existence",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		root, log := newContext()
		target, ok := assertParentTarget(root, log)
		if !ok {
			return
		}
		if len(args) == 0 {
			exitProcess(log, gerr.NewSafe("--ifcreate: at least one file expected"))
		}
		store := state.Open(target)
		for _, f := range args {
			// Only a file that does not exist yet is watched; once it has
			// appeared, the rebuild it triggered records nothing for it.
			if pathutil.Exists(f) {
				continue
			}
			rel, err := relToTargetDir(target, f)
			if err != nil {
				exitProcess(log, err)
			}
			if err := store.AddDependency(state.Rule{Kind: state.KindFile, Path: rel}); err != nil {
				exitProcess(log, err)
			}
		}
		exitProcess(log, nil)
	},
}

var contentsCmd = &cobra.Command{
	Use:    "contents [files...]",
	Short:  "declare $GUP_TARGET's content checksum",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		root, log := newContext()
		target, ok := assertParentTarget(root, log)
		if !ok {
			return
		}

		var cs string
		var err error
		if len(args) == 0 {
			cs, err = state.ChecksumStream(os.Stdin)
		} else {
			cs, err = state.ChecksumFiles(args)
		}
		if err != nil {
			exitProcess(log, err)
		}
		exitProcess(log, state.Open(target).AddChecksum(cs))
	},
}

var leaveCmd = &cobra.Command{
	Use:    "leave",
	Short:  "touch $GUP_TARGET so the pseudo-task cleanup doesn't remove it",
	Args:   cobra.NoArgs,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		root, log := newContext()
		target, ok := assertParentTarget(root, log)
		if !ok {
			return
		}
		info, err := os.Lstat(target)
		if err == nil && info.Mode()&os.ModeSymlink == 0 {
			now := time.Now()
			os.Chtimes(target, now, now)
		}
		exitProcess(log, nil)
	},
}

// relToTargetDir resolves f (as given on the command line, relative to the
// build script's own cwd) to a path relative to target's directory - the
// form file: records are stored in.
func relToTargetDir(target, f string) (string, error) {
	abs, err := filepath.Abs(f)
	if err != nil {
		return "", err
	}
	return filepath.Rel(filepath.Dir(target), abs)
}
