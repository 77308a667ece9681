// Package report holds the serializable records a run produces.
package report

import (
	"io/fs"
	"time"

	"github.com/vmware/remote-patcher/pkg/artifact"
	"github.com/vmware/remote-patcher/pkg/failure"
)

// Phase names which part of a run produced a record.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseSmoke    Phase = "smoke"
	PhaseRecovery Phase = "recovery"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepNoOp      StepStatus = "noop"
	StepFailed    StepStatus = "failed"
)

// ExecutionRecord describes one executed step. Records are appended in
// execution order and never modified afterwards.
type ExecutionRecord struct {
	StepID     string          `json:"stepId"`
	Kind       string          `json:"kind"`
	Phase      Phase           `json:"phase"`
	Path       string          `json:"path,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    time.Time       `json:"endedAt"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	HTTPStatus int             `json:"httpStatus,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	HashBefore artifact.Digest `json:"hashBefore,omitempty"`
	HashAfter  artifact.Digest `json:"hashAfter,omitempty"`
	NoOp       bool            `json:"noop,omitempty"`
	// Committed is set when the step changed remote state and pushed an
	// inverse action.
	Committed bool            `json:"committed,omitempty"`
	Status    StepStatus      `json:"status"`
	Artifact  string          `json:"artifact,omitempty"`
	Error     *failure.Report `json:"error,omitempty"`
}

// Duration of the step.
func (r ExecutionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ActionKind names the inverse of a committed step.
type ActionKind string

const (
	RestoreFile  ActionKind = "restore_file"
	RemoveFile   ActionKind = "remove_file"
	RemoveBackup ActionKind = "remove_backup"
	RestoreKey   ActionKind = "restore_key"
	DeleteKey    ActionKind = "delete_key"
	RunCommand   ActionKind = "run_command"
)

// RollbackAction is the data half of an inverse action. PreImage carries
// the base64 encoded original content so an operator can restore by hand
// when automatic rollback fails.
type RollbackAction struct {
	ID           string          `json:"id"`
	StepID       string          `json:"stepId"`
	Kind         ActionKind      `json:"kind"`
	Path         string          `json:"path,omitempty"`
	Key          string          `json:"key,omitempty"`
	Command      string          `json:"command,omitempty"`
	PreImageHash artifact.Digest `json:"preImageHash,omitempty"`
	Mode         fs.FileMode     `json:"mode,omitempty"`
	PreImage     string          `json:"preImage,omitempty"`
}

// Target is the path or key the action changes.
func (a RollbackAction) Target() string {
	switch {
	case a.Path != "":
		return a.Path
	case a.Key != "":
		return a.Key
	default:
		return a.Command
	}
}

// RollbackOutcome of one applied inverse action.
type RollbackOutcome string

const (
	RollbackApplied      RollbackOutcome = "applied"
	RollbackActionFailed RollbackOutcome = "failed"
)

// RollbackRecord describes one inverse action the controller attempted.
type RollbackRecord struct {
	Action    RollbackAction  `json:"action"`
	Outcome   RollbackOutcome `json:"outcome"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	Error     *failure.Report `json:"error,omitempty"`
}

// Status is the terminal state of a run.
type Status string

const (
	Succeeded      Status = "Succeeded"
	RolledBack     Status = "RolledBack"
	RollbackFailed Status = "RollbackFailed"
)

// Result is everything a run reports.
type Result struct {
	RunID      string          `json:"runId"`
	Plan       string          `json:"plan"`
	Target     string          `json:"target"`
	Status     Status          `json:"status"`
	FailedStep string          `json:"failedStep,omitempty"`
	Error      *failure.Report `json:"error,omitempty"`
	// RollbackRan is false when the run failed before anything could have
	// been committed, for example on a rejected plan or a failed connect.
	RollbackRan   bool              `json:"rollbackRan"`
	Records       []ExecutionRecord `json:"records"`
	Rollback      []RollbackRecord  `json:"rollback,omitempty"`
	Residual      []RollbackAction  `json:"residual,omitempty"`
	RecoveryError *failure.Report   `json:"recoveryError,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	EndedAt       time.Time         `json:"endedAt"`
}

// Committed returns the records of steps that changed remote state.
func (r *Result) Committed() []ExecutionRecord {
	var out []ExecutionRecord
	for _, rec := range r.Records {
		if rec.Committed {
			out = append(out, rec)
		}
	}
	return out
}

// Failed returns the records of failed steps.
func (r *Result) Failed() []ExecutionRecord {
	var out []ExecutionRecord
	for _, rec := range r.Records {
		if rec.Status == StepFailed {
			out = append(out, rec)
		}
	}
	return out
}

// NoOps returns the records of steps that found nothing to change.
func (r *Result) NoOps() []ExecutionRecord {
	var out []ExecutionRecord
	for _, rec := range r.Records {
		if rec.NoOp {
			out = append(out, rec)
		}
	}
	return out
}
