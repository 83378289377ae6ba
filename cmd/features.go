package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is gup's release version, printed by `gup --features`.
const Version = "2.0.0"

var featuresCmd = &cobra.Command{
	Use:    "features",
	Short:  "print feature/version lines for scripts to detect capabilities",
	Args:   cobra.NoArgs,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("version %s\n", Version)
	},
}
