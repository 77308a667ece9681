package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/history"
	"github.com/vmware/remote-patcher/pkg/metrics"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/runner"
)

var (
	resultFile  string
	historyFile string
	noHistory   bool
	metricsFile string
)

// NewCommandRun runs a plan against one target. The target comes from -t,
// the plan's own target field, or an interactive menu.
func NewCommandRun() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a patch plan against a target",
		Long: `Run a patch plan against a target.

Every step is verified after it is applied. When a step fails, everything
already changed is rolled back in reverse order and the run reports
RolledBack, or RollbackFailed with the actions left to undo by hand.

Examples:
  remote-patcher run -p disable-debug.yaml
  remote-patcher run -p disable-debug.yaml -t web-1 --result result.json`,
		Args: cobra.NoArgs,
		RunE: runCommandFunc,
	}
	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "path to the plan file")
	cmd.Flags().StringVarP(&targetName, "target", "t", "", "name of the target to patch")
	cmd.Flags().StringVar(&resultFile, "result", "", "write the run result as JSON to this file")
	cmd.Flags().StringVar(&historyFile, "history", "", "path to the run history database (default under the user config directory)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runCommandFunc(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	p, err := plan.LoadFromFile(planFile)
	if err != nil {
		return fmt.Errorf("failed to load plan %s: %w", planFile, err)
	}
	target, err := selectTarget(p.Target)
	if err != nil {
		return err
	}

	r := runner.New(newDialer(logger), logger)
	m := metrics.New()
	r.Metrics = m
	if !noHistory {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()
		r.History = store
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug().Str("plan", p.Name).Str("target", target.String()).Msg("starting run")
	res := r.Run(ctx, p, target)

	if metricsFile != "" {
		if err := m.WriteTextfile(metricsFile); err != nil {
			logger.Warn().Err(err).Str("path", metricsFile).Msg("failed to write metrics")
		}
	}
	if resultFile != "" {
		if err := writeResultFile(resultFile, res); err != nil {
			return err
		}
	}
	printResult(cmd.OutOrStdout(), res)

	if res.Status != report.Succeeded {
		return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
	}
	return nil
}

func openHistory() (*history.Store, error) {
	path := historyFile
	if path == "" {
		p, err := history.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store, err := history.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}
