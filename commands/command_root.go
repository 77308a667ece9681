package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/cliui"
	"github.com/vmware/remote-patcher/pkg/logging"
	"github.com/vmware/remote-patcher/pkg/session"
	"github.com/vmware/remote-patcher/pkg/ssh"
)

const (
	cliName        = "remote-patcher"
	cliDescription = "A tool to patch remote hosts over SSH with verification and automatic rollback"
)

var (
	configFile string
	verbose    bool
	logFormat  string
	planFile   string
	targetName string

	rootCmd = &cobra.Command{
		Use:           cliName,
		Short:         cliDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// newDialer opens transports for runs and ad-hoc commands.
	newDialer = func(logger zerolog.Logger) session.Dialer {
		return &ssh.Dialer{
			Logger: logger,
			Prompt: ssh.Prompter{In: os.Stdin, Out: os.Stderr},
		}
	}

	picker = cliui.Picker{}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "targets.yaml", "path to targets config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatConsole, "log format, console or json")

	rootCmd.AddCommand(
		NewCommandVersion(),
		NewCommandRun(),
		NewCommandValidate(),
		NewCommandExplain(),
		NewCommandExecute(),
		NewCommandHistory(),
	)
}

func RootCmd() *cobra.Command {
	return rootCmd
}
