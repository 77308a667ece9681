package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/history"
)

var (
	historyLimit  int
	historyTarget string
	historyJSON   bool
)

// NewCommandHistory groups the commands reading the run history.
func NewCommandHistory() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs",
	}
	cmd.PersistentFlags().StringVar(&historyFile, "history", "", "path to the run history database (default under the user config directory)")
	cmd.AddCommand(newCommandHistoryList(), newCommandHistoryShow())
	return cmd
}

func newCommandHistoryList() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE:  historyListCommandFunc,
	}
	cmd.Flags().IntVar(&historyLimit, "limit", 25, "number of runs to display")
	cmd.Flags().StringVarP(&historyTarget, "target", "t", "", "only show runs against this target")
	return cmd
}

func newCommandHistoryShow() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the full result of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  historyShowCommandFunc,
	}
	cmd.Flags().BoolVar(&historyJSON, "json", false, "print the result as JSON")
	return cmd
}

func historyListCommandFunc(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), historyTarget, historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPLAN\tTARGET\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Plan, r.Target, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return w.Flush()
}

func historyShowCommandFunc(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Get(cmd.Context(), args[0])
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("no run with id %s", args[0])
	}
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}
