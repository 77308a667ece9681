// Package step holds one executor per plan step kind. Executors change the
// remote host through a session and return the inverse of what they
// committed.
package step

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/health"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/rollback"
	"github.com/vmware/remote-patcher/pkg/session"
)

// maxOutput caps the command output kept in a record.
const maxOutput = 4 << 10

// Session is the remote side executors drive. *session.Session implements it.
type Session interface {
	Exec(ctx context.Context, command string) (session.ExecResult, error)
	Read(ctx context.Context, path string) (session.FileContent, error)
	Transfer(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	Remove(ctx context.Context, path string) error
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Env is what every executor of one run shares.
type Env struct {
	RunID    string
	Session  Session
	Verifier *health.Verifier
	Backups  *BackupSet
	// NonRecoverable reports paths that may be written without a backup.
	NonRecoverable func(path string) bool
	// BaseDir resolves relative writeFile sources.
	BaseDir string
	KV      KVDialer
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) nonRecoverable(p string) bool {
	return e.NonRecoverable != nil && e.NonRecoverable(p)
}

// Executor runs one step. It may return an action together with an error
// when the remote state changed before the step failed.
type Executor interface {
	Execute(ctx context.Context, env *Env, s *plan.Step) (report.ExecutionRecord, *rollback.Action, error)
}

// executorFunc fills the kind specific parts of rec.
type executorFunc func(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error)

func (f executorFunc) Execute(ctx context.Context, env *Env, s *plan.Step) (report.ExecutionRecord, *rollback.Action, error) {
	rec := report.ExecutionRecord{
		StepID:    s.ID,
		Kind:      string(s.Kind()),
		Phase:     report.PhasePlan,
		Path:      s.Path(),
		StartedAt: env.now(),
	}
	log := env.Logger.With().Str("step", s.ID).Str("kind", rec.Kind).Logger()
	log.Debug().Msg("step started")

	action, err := f(ctx, env, s, &rec)
	rec.EndedAt = env.now()

	if action != nil {
		action.StepID = s.ID
		action.ID = fmt.Sprintf("%s/%s", s.ID, action.Kind)
		rec.Committed = true
	}
	switch {
	case err != nil:
		err = failure.AtStep(s.ID, err)
		rec.Status = report.StepFailed
		rec.Error = failure.ToReport(err)
		log.Error().Err(err).Bool("committed", rec.Committed).Msg("step failed")
	case rec.NoOp:
		rec.Status = report.StepNoOp
		log.Info().Msg("step is a no-op")
	default:
		rec.Status = report.StepSucceeded
		log.Info().Dur("duration", rec.Duration()).Bool("committed", rec.Committed).Msg("step succeeded")
	}
	return rec, action, err
}

var executors = map[plan.Kind]Executor{
	plan.KindBackup:         executorFunc(backup),
	plan.KindWriteFile:      executorFunc(writeFile),
	plan.KindTextTransform:  executorFunc(textTransform),
	plan.KindExec:           executorFunc(execCommand),
	plan.KindRestartService: executorFunc(restartService),
	plan.KindHealthCheck:    executorFunc(healthCheck),
	plan.KindKVPut:          executorFunc(kvPut),
}

// For returns the executor of kind k.
func For(k plan.Kind) (Executor, bool) {
	e, ok := executors[k]
	return e, ok
}

// Execute runs s with the executor of its kind.
func Execute(ctx context.Context, env *Env, s *plan.Step) (report.ExecutionRecord, *rollback.Action, error) {
	e, ok := For(s.Kind())
	if !ok {
		err := failure.New(failure.Validation, "no executor for step kind %q", s.Kind())
		now := env.now()
		return report.ExecutionRecord{
			StepID:    s.ID,
			Phase:     report.PhasePlan,
			StartedAt: now,
			EndedAt:   now,
			Status:    report.StepFailed,
			Error:     failure.ToReport(failure.AtStep(s.ID, err)),
		}, nil, failure.AtStep(s.ID, err)
	}
	return e.Execute(ctx, env, s)
}

func sudo(command string) string {
	return "sudo -n sh -c " + shellescape.Quote(command)
}

func truncate(b []byte) string {
	if len(b) <= maxOutput {
		return string(b)
	}
	return string(b[:maxOutput]) + "...(truncated)"
}

func intPtr(i int) *int {
	return &i
}
