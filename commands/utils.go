package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/logging"
	"github.com/vmware/remote-patcher/pkg/report"
)

func newLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: logFormat,
		Output: cmd.ErrOrStderr(),
	})
}

// selectTarget picks the target named by -t, then the plan's default, and
// finally asks the user when the targets file has several entries.
func selectTarget(planTarget string) (*config.Target, error) {
	targets, err := config.ParseTargetsFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing targets config file: %w", err)
	}
	name := targetName
	if name == "" {
		name = planTarget
	}
	if name != "" {
		return config.Lookup(targets, name)
	}
	t, err := picker.SelectTarget(targets)
	if err != nil {
		return nil, fmt.Errorf("no target selected: %w", err)
	}
	return t, nil
}

func writeResultFile(path string, res *report.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write result to %s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a human readable summary of res.
func printResult(w io.Writer, res *report.Result) {
	fmt.Fprintf(w, "Run %s of plan %s on %s: %s\n", res.RunID, res.Plan, res.Target, res.Status)
	if len(res.Records) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tKIND\tPHASE\tSTATUS\tATTEMPTS\tDURATION")
		for _, r := range res.Records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.StepID, r.Kind, r.Phase, r.Status, r.Attempts, r.Duration().Round(time.Millisecond))
		}
		tw.Flush()
	}
	if res.Error != nil {
		fmt.Fprintf(w, "Error: %s: %s\n", res.Error.Kind, res.Error.Message)
	}
	if res.RollbackRan {
		fmt.Fprintf(w, "Rollback: %d action(s)\n", len(res.Rollback))
		for _, r := range res.Rollback {
			fmt.Fprintf(w, "  %s %s %s: %s\n", r.Action.StepID, r.Action.Kind, r.Action.Target(), r.Outcome)
		}
	}
	for _, a := range res.Residual {
		fmt.Fprintf(w, "Outstanding: %s %s %s\n", a.StepID, a.Kind, a.Target())
	}
	if res.RecoveryError != nil {
		fmt.Fprintf(w, "Recovery error: %s: %s\n", res.RecoveryError.Kind, res.RecoveryError.Message)
	}
}
