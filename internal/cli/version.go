package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"position-exit-alerts/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// version needs no configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "exitwatch %s\n", version.Version)
		fmt.Fprintf(out, "  commit:  %s\n  built:   %s\n", version.Commit, version.BuildDate)
		fmt.Fprintf(out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
