package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/session"
	"github.com/vmware/remote-patcher/pkg/session/sessiontest"
)

const originalConfig = "port=8080\ndebug=false\n"

func ms(n int) metav1.Duration {
	return metav1.Duration{Duration: time.Duration(n) * time.Millisecond}
}

func newRunner(dialer session.Dialer) *Runner {
	r := New(dialer, zerolog.Nop())
	r.NewRunID = func() string { return "5f0c2d1e-0000-4000-8000-000000000001" }
	return r
}

// debugPlan is the backup, edit, restart and verify sequence used by most
// tests.
func debugPlan() *plan.Plan {
	retries := 3
	return &plan.Plan{
		Name: "enable-debug",
		Steps: []plan.Step{
			{ID: "backup", Backup: &plan.Backup{Path: "/svc/config", KeepRemoteCopy: true}},
			{ID: "edit", TextTransform: &plan.TextTransform{Path: "/svc/config", Match: "debug=false", Replacement: "debug=true", Occurrence: "first"}},
			{ID: "restart", RestartService: &plan.RestartService{Name: "svc", Attempts: 3, Backoff: ms(1)}},
			{ID: "health", HealthCheck: &plan.HealthCheck{
				Probe:   plan.Probe{Command: &plan.CommandProbe{Command: "curl -s -o /dev/null -w %{http_code} localhost:8080/health"}},
				Retries: &retries,
				Backoff: ms(1),
			}},
		},
	}
}

func healthyHost() *sessiontest.Transport {
	fake := sessiontest.New()
	fake.SetFile("/svc/config", originalConfig, 0o644)
	fake.Reply("systemctl restart svc", session.ExecResult{})
	fake.Reply("systemctl is-active --quiet svc", session.ExecResult{})
	fake.Reply("curl", session.ExecResult{Stdout: []byte("200")})
	return fake
}

func TestRunSucceeds(t *testing.T) {
	fake := healthyHost()
	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), debugPlan(), sessiontest.Target("svc-host"))

	require.Equal(t, report.Succeeded, res.Status, "%+v", res.Error)
	require.Nil(t, res.Error)
	require.False(t, res.RollbackRan)
	require.Len(t, res.Records, 4)
	require.Len(t, res.Committed(), 2)
	require.Equal(t, "5f0c2d1e-0000-4000-8000-000000000001", res.RunID)

	got, _ := fake.File("/svc/config")
	require.Equal(t, "port=8080\ndebug=true\n", got)
	_, ok := fake.File("/svc/config.bak-5f0c2d1e")
	require.True(t, ok)
	require.Equal(t, 1, fake.CloseCalls())
}

// Restart never becomes live: the edit and the remote copy are undone and
// the health check never runs.
func TestRunRollsBackFailedRestart(t *testing.T) {
	fake := healthyHost()
	fake.Reply("systemctl is-active --quiet svc", session.ExecResult{ExitCode: 3})

	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), debugPlan(), sessiontest.Target("svc-host"))

	require.Equal(t, report.RolledBack, res.Status)
	require.Equal(t, "restart", res.FailedStep)
	require.Equal(t, failure.HealthCheck, res.Error.Kind)
	require.True(t, res.RollbackRan)

	require.Len(t, res.Records, 3)
	require.Len(t, res.Committed(), 2)
	require.Len(t, res.Failed(), 1)
	require.Equal(t, "restart", res.Failed()[0].StepID)

	require.Len(t, res.Rollback, 2)
	kinds := []report.ActionKind{res.Rollback[0].Action.Kind, res.Rollback[1].Action.Kind}
	if diff := cmp.Diff([]report.ActionKind{report.RestoreFile, report.RemoveBackup}, kinds); diff != "" {
		t.Fatalf("rollback order mismatch (-want +got):\n%s", diff)
	}
	for _, rb := range res.Rollback {
		require.Equal(t, report.RollbackApplied, rb.Outcome)
	}
	require.Empty(t, res.Residual)

	got, _ := fake.File("/svc/config")
	require.Equal(t, originalConfig, got)
	_, ok := fake.File("/svc/config.bak-5f0c2d1e")
	require.False(t, ok)
	require.Zero(t, fake.CountCommands("curl"))
	require.Equal(t, 1, fake.CloseCalls())
}

func TestRunIsIdempotent(t *testing.T) {
	fake := healthyHost()
	p := debugPlan()
	p.Steps[0].Backup.KeepRemoteCopy = false
	p.Steps = append(p.Steps, plan.Step{ID: "motd", WriteFile: &plan.WriteFile{Path: "/etc/motd", Content: strPtr("hello\n")}})
	p.NonRecoverable = []string{"/etc/motd"}

	r := newRunner(sessiontest.NewDialer(fake))
	first := r.Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.Succeeded, first.Status, "%+v", first.Error)
	after := fake.Snapshot()

	second := r.Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.Succeeded, second.Status)
	require.Equal(t, after, fake.Snapshot())

	noops := map[string]bool{}
	for _, rec := range second.NoOps() {
		noops[rec.StepID] = true
	}
	require.Equal(t, map[string]bool{"edit": true, "motd": true}, noops)
	require.Empty(t, second.Committed())
}

func TestRunRollbackRestoresEveryPath(t *testing.T) {
	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("fail at step %d", k), func(t *testing.T) {
			fake := sessiontest.New()
			fake.SetFile("/etc/a", "a-original\n", 0o644)
			fake.SetFile("/etc/b", "b-original\n", 0o600)
			before := fake.Snapshot()

			p := &plan.Plan{Name: "multi", Steps: []plan.Step{
				{ID: "backup-a", Backup: &plan.Backup{Path: "/etc/a"}},
				{ID: "backup-b", Backup: &plan.Backup{Path: "/etc/b"}},
				{ID: "write-a", WriteFile: &plan.WriteFile{Path: "/etc/a", Content: strPtr("a-new\n")}},
				{ID: "write-b", WriteFile: &plan.WriteFile{Path: "/etc/b", Content: strPtr("b-new\n")}},
				{ID: "create-c", WriteFile: &plan.WriteFile{Path: "/etc/c", Content: strPtr("c\n")}},
			}}
			p.NonRecoverable = []string{"/etc/c"}
			p.Steps = append(p.Steps[:k+1:k+1], plan.Step{ID: "boom", Exec: &plan.ExecCommand{Command: "exit 1"}})

			fake.Reply("exit 1", session.ExecResult{ExitCode: 1})
			res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("host"))
			require.Equal(t, report.RolledBack, res.Status)
			require.Equal(t, "boom", res.FailedStep)
			require.Equal(t, before, fake.Snapshot())
			require.Equal(t, 1, fake.CloseCalls())
		})
	}
}

func TestRunRollbackFailureReportsResidual(t *testing.T) {
	fake := sessiontest.New()
	fake.SetFile("/etc/a", "a\n", 0o644)
	fake.SetFile("/etc/b", "b\n", 0o644)

	var (
		mu        sync.Mutex
		breakDisk bool
	)
	fake.Handle("exit 1", func(context.Context, string) (session.ExecResult, error) {
		mu.Lock()
		breakDisk = true
		mu.Unlock()
		return session.ExecResult{ExitCode: 1}, nil
	})
	fake.WriteHook = func(p string, _ []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if breakDisk && p == "/etc/a" {
			return errors.New("no space left on device")
		}
		return nil
	}

	p := &plan.Plan{Name: "broken-disk", Steps: []plan.Step{
		{ID: "backup-a", Backup: &plan.Backup{Path: "/etc/a"}},
		{ID: "backup-b", Backup: &plan.Backup{Path: "/etc/b"}},
		{ID: "write-a", WriteFile: &plan.WriteFile{Path: "/etc/a", Content: strPtr("A\n")}},
		{ID: "write-b", WriteFile: &plan.WriteFile{Path: "/etc/b", Content: strPtr("B\n")}},
		{ID: "boom", Exec: &plan.ExecCommand{Command: "exit 1"}},
	}}

	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("host"))
	require.Equal(t, report.RollbackFailed, res.Status)
	require.True(t, res.RollbackRan)

	require.Len(t, res.Rollback, 2)
	require.Equal(t, "write-b", res.Rollback[0].Action.StepID)
	require.Equal(t, report.RollbackApplied, res.Rollback[0].Outcome)
	require.Equal(t, "write-a", res.Rollback[1].Action.StepID)
	require.Equal(t, report.RollbackActionFailed, res.Rollback[1].Outcome)
	require.Equal(t, failure.Rollback, res.Rollback[1].Error.Kind)

	require.Len(t, res.Residual, 1)
	require.Equal(t, "/etc/a", res.Residual[0].Path)
	require.NotEmpty(t, res.Residual[0].PreImage)

	b, _ := fake.File("/etc/b")
	require.Equal(t, "b\n", b)
	require.Equal(t, 1, fake.CloseCalls())
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	fake := sessiontest.New()
	dialer := sessiontest.NewDialer(fake)
	p := &plan.Plan{Name: "unsafe", Steps: []plan.Step{
		{WriteFile: &plan.WriteFile{Path: "/etc/a", Content: strPtr("x")}},
	}}

	res := newRunner(dialer).Run(context.Background(), p, sessiontest.Target("host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.False(t, res.RollbackRan)
	require.Equal(t, failure.Validation, res.Error.Kind)
	require.Contains(t, res.Error.Message, "without a preceding backup")
	require.Zero(t, dialer.Dials())
	require.Zero(t, fake.CloseCalls())
}

func TestRunConnectFailure(t *testing.T) {
	fake := sessiontest.New()
	dialer := sessiontest.NewDialer(fake)
	dialer.Err = failure.New(failure.Auth, "ssh: unable to authenticate")

	res := newRunner(dialer).Run(context.Background(), debugPlan(), sessiontest.Target("host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.False(t, res.RollbackRan)
	require.Equal(t, failure.Auth, res.Error.Kind)
	require.Empty(t, res.Records)
	require.Zero(t, fake.CloseCalls())
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := healthyHost()
	// The restart itself completes; the run stops right after it.
	fake.Handle("systemctl restart svc", func(context.Context, string) (session.ExecResult, error) {
		cancel()
		return session.ExecResult{}, nil
	})

	res := newRunner(sessiontest.NewDialer(fake)).Run(ctx, debugPlan(), sessiontest.Target("svc-host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.Equal(t, "health", res.FailedStep)
	require.Equal(t, failure.Cancelled, res.Error.Kind)
	require.Len(t, res.Records, 3)
	require.Equal(t, report.StepSucceeded, res.Records[2].Status)

	got, _ := fake.File("/svc/config")
	require.Equal(t, originalConfig, got)
	require.Equal(t, 1, fake.CloseCalls())
}

func TestRunStepTimeout(t *testing.T) {
	fake := healthyHost()
	fake.Handle("sleep", func(ctx context.Context, _ string) (session.ExecResult, error) {
		<-ctx.Done()
		return session.ExecResult{}, ctx.Err()
	})

	p := debugPlan()
	p.Steps = append(p.Steps[:2:2], plan.Step{ID: "slow", Timeout: ms(20), Exec: &plan.ExecCommand{Command: "sleep 60"}})

	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.Equal(t, "slow", res.FailedStep)
	require.Equal(t, failure.Timeout, res.Error.Kind)
	got, _ := fake.File("/svc/config")
	require.Equal(t, originalConfig, got)
}

func TestRunPlanDeadline(t *testing.T) {
	fake := healthyHost()
	fake.Handle("sleep", func(ctx context.Context, _ string) (session.ExecResult, error) {
		<-ctx.Done()
		return session.ExecResult{}, ctx.Err()
	})
	p := debugPlan()
	p.Deadline = ms(30)
	p.Steps = append(p.Steps[:2:2], plan.Step{ID: "slow", Exec: &plan.ExecCommand{Command: "sleep 60"}})

	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, failure.Timeout, res.Error.Kind)
	require.Equal(t, report.RolledBack, res.Status)
}

func TestRunSmokeTest(t *testing.T) {
	fake := healthyHost()
	fake.Reply("check-version", session.ExecResult{Stdout: []byte("v1")})

	r := newRunner(sessiontest.NewDialer(fake))
	retries := 0
	r.SmokeTest = &plan.HealthCheck{
		Probe:     plan.Probe{Command: &plan.CommandProbe{Command: "check-version"}},
		Predicate: plan.Predicate{BodyContains: "v2"},
		Retries:   &retries,
	}

	res := r.Run(context.Background(), debugPlan(), sessiontest.Target("svc-host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.Equal(t, SmokeTestID, res.FailedStep)
	last := res.Records[len(res.Records)-1]
	require.Equal(t, report.PhaseSmoke, last.Phase)
	require.Equal(t, report.StepFailed, last.Status)
	got, _ := fake.File("/svc/config")
	require.Equal(t, originalConfig, got)

	// A plan's own smoke test replaces the runner default.
	p := debugPlan()
	p.SmokeTest = &plan.HealthCheck{
		Probe:     plan.Probe{Command: &plan.CommandProbe{Command: "check-version"}},
		Predicate: plan.Predicate{BodyContains: "v1"},
	}
	res = r.Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.Succeeded, res.Status, "%+v", res.Error)
}

func TestRunAfterRollback(t *testing.T) {
	fake := healthyHost()
	fake.Reply("systemctl is-active --quiet svc", session.ExecResult{ExitCode: 3})
	fake.Reply("systemctl start svc", session.ExecResult{})

	p := debugPlan()
	p.AfterRollback = []plan.Step{
		{ID: "start", Exec: &plan.ExecCommand{Command: "systemctl start svc"}},
	}
	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.Nil(t, res.RecoveryError)
	last := res.Records[len(res.Records)-1]
	require.Equal(t, "start", last.StepID)
	require.Equal(t, report.PhaseRecovery, last.Phase)

	fake.Reply("systemctl start svc", session.ExecResult{ExitCode: 1})
	res = newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("svc-host"))
	require.Equal(t, report.RolledBack, res.Status)
	require.NotNil(t, res.RecoveryError)
	require.Equal(t, failure.Exec, res.RecoveryError.Kind)
}

type recorder struct {
	mu      sync.Mutex
	saved   []*report.Result
	observe []report.Status
}

func (r *recorder) Save(_ context.Context, res *report.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, res)
	return nil
}

func (r *recorder) Observe(res *report.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = append(r.observe, res.Status)
}

func TestRunRecordsHistoryAndMetrics(t *testing.T) {
	rec := &recorder{}
	r := newRunner(sessiontest.NewDialer(healthyHost()))
	r.History = rec
	r.Metrics = rec

	res := r.Run(context.Background(), debugPlan(), sessiontest.Target("svc-host"))
	require.Len(t, rec.saved, 1)
	require.Same(t, res, rec.saved[0])
	require.Equal(t, []report.Status{report.Succeeded}, rec.observe)
	require.False(t, res.EndedAt.Before(res.StartedAt))
}

func TestRunAll(t *testing.T) {
	hosts := map[string]*sessiontest.Transport{
		"web-1": healthyHost(),
		"web-2": healthyHost(),
	}
	hosts["web-2"].Reply("systemctl is-active --quiet svc", session.ExecResult{ExitCode: 3})

	dialer := session.DialerFunc(func(_ context.Context, target *config.Target) (session.Transport, error) {
		return hosts[target.Name], nil
	})
	r := newRunner(dialer)
	r.NewRunID = nil

	t1, t2 := sessiontest.Target("web-1"), sessiontest.Target("web-2")
	t2.Host = "127.0.0.2"
	results, err := r.RunAll(context.Background(), []Job{
		{Plan: debugPlan(), Target: t1},
		{Plan: debugPlan(), Target: t2},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "web-1", results[0].Target)
	require.Equal(t, report.Succeeded, results[0].Status)
	require.Equal(t, "web-2", results[1].Target)
	require.Equal(t, report.RolledBack, results[1].Status)
	require.NotEqual(t, results[0].RunID, results[1].RunID)

	for name, fake := range hosts {
		require.Equal(t, 1, fake.CloseCalls(), name)
	}

	_, err = r.RunAll(context.Background(), []Job{
		{Plan: debugPlan(), Target: t1},
		{Plan: debugPlan(), Target: sessiontest.Target("web-1-again")},
	})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "more than one job"))
}

func TestRunAllSharedPlan(t *testing.T) {
	hosts := map[string]*sessiontest.Transport{
		"web-1": healthyHost(),
		"web-2": healthyHost(),
	}
	dialer := session.DialerFunc(func(_ context.Context, target *config.Target) (session.Transport, error) {
		return hosts[target.Name], nil
	})
	r := newRunner(dialer)
	r.NewRunID = nil

	shared := debugPlan()
	for i := range shared.Steps {
		shared.Steps[i].ID = ""
	}
	before := shared.DeepCopy()

	t1, t2 := sessiontest.Target("web-1"), sessiontest.Target("web-2")
	t2.Host = "127.0.0.2"
	results, err := r.RunAll(context.Background(), []Job{
		{Plan: shared, Target: t1},
		{Plan: shared, Target: t2},
	})
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, report.Succeeded, res.Status, res.Target)
		require.Equal(t, "1-backup", res.Records[0].StepID)
	}
	require.Empty(t, cmp.Diff(before, shared))
}

func strPtr(s string) *string { return &s }
