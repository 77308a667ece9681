package commands

import (
	"fmt"
	"io"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/step"
)

// NewCommandValidate checks a plan without connecting anywhere.
func NewCommandValidate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a patch plan",
		Args:  cobra.NoArgs,
		RunE:  validateCommandFunc,
	}
	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "path to the plan file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func validateCommandFunc(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFromFile(planFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plan %s is valid: %d step(s), %d recovery step(s)\n", p.Name, len(p.Steps), len(p.AfterRollback))
	return nil
}

// NewCommandExplain prints what a plan would do and how each step would be
// rolled back, without connecting to any target.
func NewCommandExplain() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain the steps of a patch plan and their rollback",
		Args:  cobra.NoArgs,
		RunE:  explainCommandFunc,
	}
	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "path to the plan file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func explainCommandFunc(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFromFile(planFile)
	if err != nil {
		return err
	}
	explainPlan(cmd.OutOrStdout(), p)
	return nil
}

func explainPlan(w io.Writer, p *plan.Plan) {
	fmt.Fprintf(w, "Plan: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", p.Description)
	}
	if p.Target != "" {
		fmt.Fprintf(w, "Target: %s\n", p.Target)
	}
	if p.Deadline.Duration > 0 {
		fmt.Fprintf(w, "Deadline: %s\n", p.Deadline.Duration)
	}

	backups := make(map[string]string)
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tKIND\tTARGET\tTIMEOUT\tBACKUP\tROLLBACK")
	for i := range p.Steps {
		s := &p.Steps[i]
		coverage := "-"
		switch s.Kind() {
		case plan.KindBackup:
			backups[path.Clean(s.Path())] = s.ID
		case plan.KindWriteFile, plan.KindTextTransform:
			if id, ok := backups[path.Clean(s.Path())]; ok {
				coverage = id
			} else if p.IsNonRecoverable(s.Path()) {
				coverage = "non-recoverable"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Kind(), stepTarget(s), s.EffectiveTimeout(), coverage, inverses(s))
	}
	tw.Flush()

	if p.SmokeTest != nil {
		fmt.Fprintf(w, "\nSmoke test: %s\n", p.SmokeTest.Probe)
	}
	if len(p.AfterRollback) > 0 {
		fmt.Fprintln(w, "\nAfter a successful rollback:")
		for i := range p.AfterRollback {
			s := &p.AfterRollback[i]
			fmt.Fprintf(w, "  %s %s %s\n", s.ID, s.Kind(), stepTarget(s))
		}
	}
}

// stepTarget is the path, service, key or command a step acts on.
func stepTarget(s *plan.Step) string {
	switch s.Kind() {
	case plan.KindExec:
		return s.Exec.Command
	case plan.KindRestartService:
		return fmt.Sprintf("%s (%s)", s.RestartService.Name, s.RestartService.EffectiveManager())
	case plan.KindHealthCheck:
		return s.HealthCheck.Probe.String()
	case plan.KindKVPut:
		return s.KVPut.Key
	default:
		return s.Path()
	}
}

func inverses(s *plan.Step) string {
	kinds := step.Inverses(s)
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, " or ")
}
