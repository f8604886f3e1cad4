package cmd

import (
	"fmt"
	"runtime"

	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Build-time variables for version info
var (
	// Release is the current release version
	Release = "dev"
	// GitCommit is the git commit hash
	GitCommit = "none"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of rpz and the engine directories it resolves.",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version: %s\nCommit: %s\nGo: %s\nOS/Arch: %s/%s\n",
			Release, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "%s: %s\n%s: %s\n",
			config.EnvLephareDir, orUnset(config.LephareDir()),
			config.EnvLephareWork, orUnset(config.WorkDir()))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func orUnset(v string) string {
	if v == "" {
		return "(unset)"
	}

	return v
}
