package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/ignatij/dagflow/internal/cli.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			printf(out, "dagflow %s\n", Version)
			printf(out, "  commit:     %s\n", GitCommit)
			printf(out, "  built:      %s\n", BuildTime)
			printf(out, "  go version: %s\n", runtime.Version())
		},
	}
}
