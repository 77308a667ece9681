// Package runner executes a plan against one target: steps in order, the
// smoke test, and rollback of everything committed when a step fails.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/health"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/rollback"
	"github.com/vmware/remote-patcher/pkg/session"
	"github.com/vmware/remote-patcher/pkg/step"
)

// DefaultRollbackTimeout bounds a rollback pass and the recovery steps.
const DefaultRollbackTimeout = 5 * time.Minute

// SmokeTestID is the step id of the smoke test record.
const SmokeTestID = "smoke-test"

// Recorder persists results.
type Recorder interface {
	Save(ctx context.Context, res *report.Result) error
}

// Observer is told about every finished run.
type Observer interface {
	Observe(res *report.Result)
}

type Runner struct {
	Dialer   session.Dialer
	Verifier *health.Verifier
	KV       step.KVDialer
	// SmokeTest runs after a successful plan that defines none.
	SmokeTest *plan.HealthCheck
	Logger    zerolog.Logger
	Metrics   Observer
	History   Recorder
	// Parallelism limits RunAll; zero means unlimited.
	Parallelism     int
	RollbackTimeout time.Duration
	Now             func() time.Time
	NewRunID        func() string
}

// New returns a runner with etcd as key-value store and default timeouts.
func New(dialer session.Dialer, logger zerolog.Logger) *Runner {
	return &Runner{
		Dialer:          dialer,
		Verifier:        health.New(logger),
		KV:              step.EtcdDialer{},
		Logger:          logger,
		RollbackTimeout: DefaultRollbackTimeout,
		Now:             time.Now,
		NewRunID:        uuid.NewString,
	}
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// run carries the state of one Run call.
type run struct {
	*Runner
	plan   *plan.Plan
	result *report.Result
	env    *step.Env
	stack  *rollback.Stack
	log    zerolog.Logger
}

// Run executes p against target. It never returns a nil result: failures
// of any kind, including a rejected plan or a failed connect, are reported
// in it. p and target are not modified.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, target *config.Target) *report.Result {
	p = p.DeepCopy()
	newID := r.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	res := &report.Result{
		RunID:     newID(),
		Plan:      p.Name,
		Target:    target.Name,
		Records:   []report.ExecutionRecord{},
		StartedAt: r.now(),
	}
	log := r.Logger.With().Str("run_id", res.RunID).Str("plan", p.Name).Str("target", target.Name).Logger()
	defer r.finish(ctx, res, log)

	if err := plan.Validate(p); err != nil {
		r.rejected(res, err, log)
		return res
	}
	if err := target.Validate(); err != nil {
		r.rejected(res, failure.Wrap(failure.Validation, err, "target %s", target.Name), log)
		return res
	}
	if err := ctx.Err(); err != nil {
		r.rejected(res, failure.Wrap(failure.Cancelled, err, "run cancelled before connecting"), log)
		return res
	}

	sess, err := session.Open(ctx, target, r.Dialer, log)
	if err != nil {
		r.rejected(res, err, log)
		return res
	}
	defer sess.Close()

	verifier := r.Verifier
	if verifier == nil {
		verifier = health.New(log)
	}
	x := &run{
		Runner: r,
		plan:   p,
		result: res,
		stack:  &rollback.Stack{},
		log:    log,
		env: &step.Env{
			RunID:          res.RunID,
			Session:        sess,
			Verifier:       verifier,
			Backups:        step.NewBackupSet(),
			NonRecoverable: p.IsNonRecoverable,
			BaseDir:        p.BaseDir,
			KV:             r.KV,
			Logger:         log,
			Now:            r.now,
		},
	}

	log.Info().Int("steps", len(p.Steps)).Msg("run started")
	if err := x.execute(ctx); err != nil {
		x.abort(ctx, err)
		return res
	}
	res.Status = report.Succeeded
	return res
}

// rejected finalizes a run that failed before anything could be committed.
func (r *Runner) rejected(res *report.Result, err error, log zerolog.Logger) {
	res.Status = report.RolledBack
	res.Error = failure.ToReport(err)
	res.RollbackRan = false
	log.Error().Err(err).Msg("run aborted before any step")
}

func (r *Runner) finish(ctx context.Context, res *report.Result, log zerolog.Logger) {
	res.EndedAt = r.now()
	ev := log.Info()
	if res.Status != report.Succeeded {
		ev = log.Warn()
	}
	ev.Str("status", string(res.Status)).
		Int("committed", len(res.Committed())).
		Int("rollback_actions", len(res.Rollback)).
		Int("residual", len(res.Residual)).
		Dur("duration", res.EndedAt.Sub(res.StartedAt)).
		Msg("run finished")

	if r.Metrics != nil {
		r.Metrics.Observe(res)
	}
	if r.History != nil {
		if err := r.History.Save(context.WithoutCancel(ctx), res); err != nil {
			log.Error().Err(err).Msg("failed to record run history")
		}
	}
}

// execute runs the plan steps then the smoke test. Steps are shielded from
// the caller's cancellation, which is only honoured between steps.
func (x *run) execute(ctx context.Context) error {
	stepsCtx := context.WithoutCancel(ctx)
	if d := x.plan.Deadline.Duration; d > 0 {
		var cancel context.CancelFunc
		stepsCtx, cancel = context.WithTimeout(stepsCtx, d)
		defer cancel()
	}

	for i := range x.plan.Steps {
		s := &x.plan.Steps[i]
		if err := ctx.Err(); err != nil {
			x.result.FailedStep = s.ID
			return failure.AtStep(s.ID, failure.Wrap(failure.Cancelled, err, "run cancelled before step"))
		}
		if err := x.step(stepsCtx, s, report.PhasePlan); err != nil {
			x.result.FailedStep = s.ID
			return err
		}
	}

	smoke := x.plan.SmokeTest
	if smoke == nil {
		smoke = x.SmokeTest
	}
	if smoke == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		x.result.FailedStep = SmokeTestID
		return failure.AtStep(SmokeTestID, failure.Wrap(failure.Cancelled, err, "run cancelled before smoke test"))
	}
	if err := x.step(stepsCtx, &plan.Step{ID: SmokeTestID, HealthCheck: smoke}, report.PhaseSmoke); err != nil {
		x.result.FailedStep = SmokeTestID
		return err
	}
	return nil
}

// step runs s under its own timeout and pushes whatever it committed.
func (x *run) step(ctx context.Context, s *plan.Step, phase report.Phase) error {
	ctx, cancel := context.WithTimeout(ctx, s.EffectiveTimeout())
	defer cancel()

	rec, action, err := step.Execute(ctx, x.env, s)
	rec.Phase = phase
	x.result.Records = append(x.result.Records, rec)
	if action != nil && phase != report.PhaseRecovery {
		x.stack.Push(action)
	}
	return err
}

// abort rolls back the committed steps and runs the recovery steps when
// rollback completed.
func (x *run) abort(ctx context.Context, cause error) {
	res := x.result
	res.Error = failure.ToReport(cause)
	x.log.Error().Err(cause).Str("failed_step", res.FailedStep).Int("pending", x.stack.Len()).Msg("aborting run")

	timeout := x.RollbackTimeout
	if timeout <= 0 {
		timeout = DefaultRollbackTimeout
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	rb := rollback.NewController(x.log)
	rb.Now = x.now
	out := rb.Rollback(rctx, x.stack)
	res.RollbackRan = true
	res.Rollback = out.Records()
	res.Residual = out.Residual
	if !out.Complete() {
		res.Status = report.RollbackFailed
		x.log.Error().Int("residual", len(res.Residual)).Msg("rollback incomplete, manual intervention required")
		return
	}
	res.Status = report.RolledBack

	for i := range x.plan.AfterRollback {
		s := &x.plan.AfterRollback[i]
		if err := x.step(rctx, s, report.PhaseRecovery); err != nil {
			res.RecoveryError = failure.ToReport(err)
			x.log.Error().Err(err).Str("step", s.ID).Msg("recovery step failed")
			return
		}
	}
}

// Job is one plan to run against one target.
type Job struct {
	Plan   *plan.Plan
	Target *config.Target
}

// RunAll runs jobs concurrently, each with its own session. Results are in
// job order. Two jobs for the same target are rejected before any runs.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) ([]*report.Result, error) {
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		key := j.Target.Address()
		if seen[key] {
			return nil, fmt.Errorf("target %s (%s) appears in more than one job", j.Target.Name, key)
		}
		seen[key] = true
	}

	results := make([]*report.Result, len(jobs))
	var g errgroup.Group
	if r.Parallelism > 0 {
		g.SetLimit(r.Parallelism)
	}
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = r.Run(ctx, j.Plan, j.Target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
