package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/session"
)

var (
	userCmd    string
	allTargets bool
)

// NewCommandExecute executes command against target(s)
// Runs command against a single target selected with -t or from a menu
// Runs command against every target with --all
func NewCommandExecute() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute command against target(s)",
		Args:  cobra.NoArgs,
		RunE:  executeCommandFunc,
	}
	cmd.Flags().StringVarP(&userCmd, "command", "e", "", "command to execute against target(s)")
	cmd.Flags().StringVarP(&targetName, "target", "t", "", "name of the target to execute against")
	cmd.Flags().BoolVar(&allTargets, "all", false, "execute against every target in the config file")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func executeCommandFunc(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	var targets []*config.Target
	if allTargets {
		targets, err = config.ParseTargetsFromFile(configFile)
		if err != nil {
			return fmt.Errorf("error parsing targets config file: %w", err)
		}
	} else {
		t, err := selectTarget("")
		if err != nil {
			return err
		}
		targets = []*config.Target{t}
	}

	var errs []error
	for _, t := range targets {
		res, err := executeUserCommand(cmd.Context(), t, userCmd, logger)
		if err != nil {
			logger.Error().Err(err).Str("target", t.String()).Msg("command failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		out := cmd.OutOrStdout()
		if len(targets) > 1 {
			fmt.Fprintf(out, "==> %s\n", t.Name)
		}
		out.Write(res.Stdout)
		cmd.ErrOrStderr().Write(res.Stderr)
		if res.ExitCode != 0 {
			errs = append(errs, fmt.Errorf("%s: command %q exited %d", t.Name, userCmd, res.ExitCode))
		}
	}
	return errors.Join(errs...)
}

func executeUserCommand(ctx context.Context, target *config.Target, command string, logger zerolog.Logger) (session.ExecResult, error) {
	logger.Debug().Str("target", target.String()).Msg("connecting to target")
	sess, err := session.Open(ctx, target, newDialer(logger), logger)
	if err != nil {
		return session.ExecResult{}, err
	}
	defer sess.Close()

	logger.Debug().Str("target", target.Name).Str("command", command).Msg("executing command")
	return sess.Exec(ctx, command)
}
