// Package cmd is gup's command-line surface: a thin cobra adapter over the
// packages in internal/, split one file per concern (cmd/root.go,
// cmd/build.go, cmd/actions.go, ...), with package-level flag vars
// registered in each file's init and msg.Fatal for usage mistakes
// that happen before a Root/Logger even exist.
//
// gup's action surface is unusual: a leading "--action" token
// (--always, --ifcreate, --contents, --leave, --buildable, --dirty,
// --clean, --features) selects a whole different behavior, but cobra
// subcommands can't be spelled with a leading "--". Execute rewrites a
// recognized token in argv[0] into the matching subcommand name before
// handing argv to cobra; everything after it is passed through unchanged.
// Absent a recognized action, cobra's default Run dispatches to the build
// command.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagVerboseCount int
	flagQuietCount   int
	flagTrace        bool
	flagKeepFailed   bool

	flagUpdate   bool
	flagIfchange bool
	flagJobs     string
)

var rootCmd = &cobra.Command{
	Use:   "gup [targets...]",
	Short: "A recursive, script-extensible build tool",
	Long: `gup builds targets using build scripts that declare their own
dependencies dynamically, at runtime, via recursive gup invocations - in
the style of djb's redo.`,
	Args: cobra.ArbitraryArgs,
	Run:  runBuild,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&flagVerboseCount, "verbose", "v", "increase verbosity (repeatable)")
	rootCmd.PersistentFlags().CountVarP(&flagQuietCount, "quiet", "q", "decrease verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&flagTrace, "trace", "x", false, "print build script command lines before running them")
	rootCmd.PersistentFlags().BoolVar(&flagKeepFailed, "keep-failed", false, "keep a failed build's staging file for inspection")

	rootCmd.Flags().BoolVarP(&flagUpdate, "update", "u", false, "only build targets that are out of date")
	rootCmd.Flags().BoolVar(&flagIfchange, "ifchange", false, "alias for --update")
	rootCmd.Flags().StringVarP(&flagJobs, "jobs", "j", "", "maximum number of parallel build jobs")

	rootCmd.AddCommand(alwaysCmd, ifcreateCmd, contentsCmd, leaveCmd, buildableCmd, dirtyCmd, cleanCmd, featuresCmd)
}

// actionTokens maps gup's documented leading action flags to the cobra
// subcommand that implements them. Recognized only as argv[0]: a target
// that happens to be literally named e.g. "--dirty" is not supported.
var actionTokens = map[string]string{
	"--always":    "always",
	"--ifcreate":  "ifcreate",
	"--contents":  "contents",
	"--leave":     "leave",
	"--buildable": "buildable",
	"--dirty":     "dirty",
	"--clean":     "clean",
	"--features":  "features",
}

func rewriteActionToken(args []string) []string {
	if len(args) == 0 {
		return args
	}
	if sub, ok := actionTokens[args[0]]; ok {
		rewritten := make([]string, 0, len(args))
		rewritten = append(rewritten, sub)
		rewritten = append(rewritten, args[1:]...)
		return rewritten
	}
	return args
}

// Execute parses os.Args and runs the matching command. Every leaf command
// is responsible for calling os.Exit itself with the precise exit code its
// contract documents; Execute only handles cobra-level parse failures
// (unknown flags, wrong arg counts), which it maps to the generic
// safe-error code.
func Execute() {
	rootCmd.SetArgs(rewriteActionToken(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}

// verbosity folds the repeatable -v/-q counts into gupenv's signed scale.
func verbosity() int {
	return flagVerboseCount - flagQuietCount
}
