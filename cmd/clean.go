// This file implements `gup --clean`: walk the given directories removing
// .gup/ metadata and the targets it tracks, provided the resolver still
// recognizes them as buildable.
package cmd

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gup-build/gup/internal/gerr"
	"github.com/gup-build/gup/internal/msg"
	"github.com/gup-build/gup/internal/pathutil"
	"github.com/gup-build/gup/internal/resolver"
	"github.com/gup-build/gup/internal/state"
)

var (
	flagCleanForce       bool
	flagCleanDryRun      bool
	flagCleanInteractive bool
	flagCleanMetadata    bool
)

var cleanCmd = &cobra.Command{
	Use:    "clean [dirs...]",
	Short:  "remove gup-built targets and their .gup metadata",
	Hidden: true,
	Run:    runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&flagCleanForce, "force", "f", false, "actually remove files")
	cleanCmd.Flags().BoolVarP(&flagCleanDryRun, "dry-run", "n", false, "just print what would be removed")
	cleanCmd.Flags().BoolVarP(&flagCleanInteractive, "interactive", "i", false, "ask for confirmation before removing files")
	cleanCmd.Flags().BoolVarP(&flagCleanMetadata, "metadata", "m", false, "remove .gup metadata directories, but leave targets in place")
}

func runClean(cmd *cobra.Command, args []string) {
	_, log := newContext()

	if flagCleanForce == flagCleanDryRun {
		exitProcess(log, gerr.NewSafe("either --force (-f) or --dry-run (-n) must be given"))
	}

	dests := args
	if len(dests) == 0 {
		dests = []string{"."}
	}
	for _, dest := range dests {
		if err := cleanWalk(dest, log); err != nil {
			exitProcess(log, err)
		}
	}
	exitProcess(log, nil)
}

// cleanWalk visits every directory under dest (never descending into a
// hidden one), acting on each that contains a .gup metadata directory.
func cleanWalk(dest string, log *msg.Logger) error {
	return filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dest && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		gupDir := filepath.Join(path, state.MetaDir)
		if !pathutil.IsDir(gupDir) {
			return nil
		}
		return cleanOneDir(path, gupDir, log)
	})
}

func cleanOneDir(dirpath, gupDir string, log *msg.Logger) error {
	if !flagCleanMetadata {
		names, err := state.BuiltTargets(gupDir)
		if err != nil {
			return err
		}
		for _, name := range names {
			target := filepath.Join(dirpath, name)
			if !pathutil.Exists(target) {
				continue
			}
			buildable, err := resolver.Buildable(target)
			if err != nil {
				return err
			}
			if buildable {
				if err := removeWithPolicy(target); err != nil {
					return err
				}
			}
		}
	}
	return removeWithPolicy(gupDir)
}

func removeWithPolicy(path string) error {
	if flagCleanDryRun {
		fmt.Printf("Would remove: %s\n", path)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Removing: %s\n", path)
	if flagCleanInteractive {
		fmt.Fprint(os.Stderr, "   [Y/n]: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" && line != "y" && line != "Y" {
			fmt.Fprintln(os.Stderr, "Skipped.")
			return nil
		}
	}
	return pathutil.TryRemove(path)
}
