package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/version"
)

// NewCommandVersion prints out the version of remote-patcher.
func NewCommandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version of remote-patcher",
		Run:   versionCommandFunc,
	}
}

func versionCommandFunc(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "remote-patcher version: %s\n", version.Version)
	fmt.Fprintf(out, "Git SHA: %s\n", version.GitSHA)
	fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(out, "Go OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
