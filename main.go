package main

import (
	"fmt"
	"os"

	"github.com/vmware/remote-patcher/commands"
)

const (
	exitError = 1
)

func main() {
	rootCmd := commands.RootCmd()
	if err := rootCmd.Execute(); err != nil {
		if rootCmd.SilenceErrors {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitError)
	}
}
