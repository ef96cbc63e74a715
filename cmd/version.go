package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hannigan/hannigan/internal/build"
)

// NewVersionCommand prints the build version information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of hannigan",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("hannigan version %s (commit %s, built %s)\n", build.Version, build.Commit, build.Date)
		},
		Args: cobra.NoArgs,
	}
}
