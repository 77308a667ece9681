package step

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/retry"
	"github.com/vmware/remote-patcher/pkg/rollback"
)

const defaultExecBackoff = time.Second

func execCommand(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	e := s.Exec
	command := e.Command
	if e.Sudo {
		command = sudo(command)
	}
	codes := e.ExitCodes()
	backoff := e.Backoff.Duration
	if backoff <= 0 {
		backoff = defaultExecBackoff
	}

	attempts, err := retry.Do(ctx, retry.Policy{Attempts: e.Retries + 1, Backoff: backoff}, func(ctx context.Context, attempt int) error {
		res, err := env.Session.Exec(ctx, command)
		if err != nil {
			return err
		}
		rec.Stdout = truncate(res.Stdout)
		rec.Stderr = truncate(res.Stderr)
		rec.ExitCode = intPtr(res.ExitCode)
		if !slices.Contains(codes, res.ExitCode) {
			env.Logger.Debug().Int("attempt", attempt).Int("exit_code", res.ExitCode).Msg("unexpected exit code")
			return failure.New(failure.Exec, "command %q exited %d, expected %v: %s",
				e.Command, res.ExitCode, codes, strings.TrimSpace(truncate(res.Stderr))).Retry()
		}
		return nil
	})
	rec.Attempts = attempts
	if err != nil {
		return nil, err
	}
	if e.Undo == "" {
		return nil, nil
	}

	undo := e.Undo
	if e.Sudo {
		undo = sudo(undo)
	}
	return &rollback.Action{
		RollbackAction: report.RollbackAction{Kind: report.RunCommand, Command: e.Undo},
		Undo: func(ctx context.Context) error {
			res, err := env.Session.Exec(ctx, undo)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return failure.New(failure.Exec, "undo %q exited %d: %s", e.Undo, res.ExitCode, strings.TrimSpace(truncate(res.Stderr)))
			}
			return nil
		},
	}, nil
}

// RestartCommand returns the command that restarts the service.
func RestartCommand(r *plan.RestartService) string {
	var command string
	switch {
	case r.Command != "":
		command = r.Command
	case r.EffectiveManager() == plan.ManagerPM2:
		command = "pm2 restart " + shellescape.Quote(r.Name)
	default:
		command = "systemctl restart " + shellescape.Quote(r.Name)
	}
	if r.Sudo {
		command = sudo(command)
	}
	return command
}

// LivenessCheck returns the probe and predicate that tell the service is up.
func LivenessCheck(r *plan.RestartService) (plan.Probe, plan.Predicate) {
	if r.Liveness != nil {
		return r.Liveness.Probe, r.Liveness.Predicate
	}
	var command string
	switch r.EffectiveManager() {
	case plan.ManagerPM2:
		command = fmt.Sprintf("pm2 describe %s | grep -q online", shellescape.Quote(r.Name))
	default:
		command = "systemctl is-active --quiet " + shellescape.Quote(r.Name)
	}
	return plan.Probe{Command: &plan.CommandProbe{Command: command}}, plan.Predicate{}
}

func restartService(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	r := s.RestartService
	command := RestartCommand(r)

	rctx, cancel := context.WithTimeout(ctx, r.EffectiveGracefulTimeout())
	res, err := env.Session.Exec(rctx, command)
	cancel()
	if err != nil {
		return nil, err
	}
	rec.Stdout = truncate(res.Stdout)
	rec.Stderr = truncate(res.Stderr)
	rec.ExitCode = intPtr(res.ExitCode)
	if res.ExitCode != 0 {
		return nil, failure.New(failure.Exec, "restart %s exited %d: %s", r.Name, res.ExitCode, strings.TrimSpace(truncate(res.Stderr)))
	}

	probe, pred := LivenessCheck(r)
	obs, attempts, err := env.Verifier.Await(ctx, env.Session, probe, pred, r.EffectiveAttempts(), r.EffectiveBackoff())
	rec.Attempts = attempts
	if probe.HTTP != nil {
		rec.HTTPStatus = obs.StatusCode
	}
	if err != nil {
		if k := failure.KindOf(err); k == failure.Timeout || k == failure.Cancelled || k == failure.Connection {
			return nil, err
		}
		return nil, failure.Wrap(failure.HealthCheck, err, "service %s never became live after %d attempts", r.Name, attempts)
	}
	return nil, nil
}

const defaultHealthBackoff = time.Second

func healthCheck(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	h := s.HealthCheck
	backoff := h.Backoff.Duration
	if backoff <= 0 {
		backoff = defaultHealthBackoff
	}
	obs, attempts, err := env.Verifier.Await(ctx, env.Session, h.Probe, h.Predicate, h.Attempts(), backoff)
	rec.Attempts = attempts
	switch {
	case h.Probe.HTTP != nil:
		rec.HTTPStatus = obs.StatusCode
		rec.Stdout = truncate([]byte(obs.Body))
	case h.Probe.Command != nil:
		rec.ExitCode = intPtr(obs.ExitCode)
		rec.Stdout = truncate([]byte(obs.Stdout))
		rec.Stderr = truncate([]byte(obs.Stderr))
	}
	if err != nil {
		switch failure.KindOf(err) {
		case failure.HealthCheck, failure.Timeout, failure.Cancelled:
			return nil, err
		}
		return nil, failure.Wrap(failure.HealthCheck, err, "health check %s failed after %d attempts", h.Probe, attempts)
	}
	return nil, nil
}
