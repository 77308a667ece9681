package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/logging"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/session"
	"github.com/vmware/remote-patcher/pkg/session/sessiontest"
)

const targetsYAML = `targets:
  - name: web-1
    host: 10.0.0.11
    user: deploy
    credential: env:WEB_PASSWORD
  - name: web-2
    host: 10.0.0.12
    user: deploy
    credential: env:WEB_PASSWORD
`

const planYAML = `name: enable-feature
target: web-1
steps:
  - id: backup
    backup:
      path: /etc/app.conf
  - id: edit
    textTransform:
      path: /etc/app.conf
      match: "feature: off"
      replacement: "feature: on"
  - id: health
    healthCheck:
      probe:
        command:
          command: curl -fsS localhost/health
      predicate:
        bodyContains: ok
      retries: 0
afterRollback:
  - exec:
      command: echo reverted
`

type fixture struct {
	dir     string
	targets string
	plan    string
	history string
	fake    *sessiontest.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		targets: filepath.Join(dir, "targets.yaml"),
		plan:    filepath.Join(dir, "plan.yaml"),
		history: filepath.Join(dir, "history.db"),
		fake:    sessiontest.New(),
	}
	require.NoError(t, os.WriteFile(f.targets, []byte(targetsYAML), 0o600))
	require.NoError(t, os.WriteFile(f.plan, []byte(planYAML), 0o600))
	f.fake.SetFile("/etc/app.conf", "feature: off\n", 0o644)
	return f
}

func resetFlags() {
	configFile = "targets.yaml"
	verbose = false
	logFormat = logging.FormatConsole
	planFile = ""
	targetName = ""
	resultFile = ""
	historyFile = ""
	noHistory = false
	metricsFile = ""
	userCmd = ""
	allTargets = false
	historyLimit = 25
	historyTarget = ""
	historyJSON = false
}

func (f *fixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	prev := newDialer
	newDialer = func(zerolog.Logger) session.Dialer { return sessiontest.NewDialer(f.fake) }
	t.Cleanup(func() { newDialer = prev })

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"-c", f.targets}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func readResult(t *testing.T, path string) *report.Result {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var res report.Result
	require.NoError(t, json.Unmarshal(data, &res))
	return &res
}

func TestRunSucceeds(t *testing.T) {
	f := newFixture(t)
	f.fake.Reply("curl", session.ExecResult{Stdout: []byte("ok\n")})
	resultPath := filepath.Join(f.dir, "result.json")
	metricsPath := filepath.Join(f.dir, "metrics.prom")

	out, err := f.execute(t, "run", "-p", f.plan, "--history", f.history, "--result", resultPath, "--metrics-file", metricsPath)
	require.NoError(t, err)
	require.Contains(t, out, "Succeeded")

	content, _ := f.fake.File("/etc/app.conf")
	require.Equal(t, "feature: on\n", content)
	require.Equal(t, 1, f.fake.CloseCalls())

	res := readResult(t, resultPath)
	require.Equal(t, report.Succeeded, res.Status)
	require.Equal(t, "web-1", res.Target)
	require.Len(t, res.Records, 3)

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	require.Contains(t, string(metrics), `remote_patcher_runs_total{plan="enable-feature",status="Succeeded"} 1`)

	out, err = f.execute(t, "history", "list", "--history", f.history)
	require.NoError(t, err)
	require.Contains(t, out, res.RunID)

	out, err = f.execute(t, "history", "show", res.RunID, "--history", f.history, "--json")
	require.NoError(t, err)
	var shown report.Result
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, res.RunID, shown.RunID)
	require.Equal(t, report.Succeeded, shown.Status)
}

func TestRunRollsBack(t *testing.T) {
	f := newFixture(t)
	f.fake.Reply("curl", session.ExecResult{Stdout: []byte("down\n")})
	f.fake.Reply("echo", session.ExecResult{Stdout: []byte("reverted\n")})

	out, err := f.execute(t, "run", "-p", f.plan, "--no-history")
	require.ErrorContains(t, err, "finished with status RolledBack")
	require.Contains(t, out, "Rollback: 1 action(s)")
	require.Contains(t, out, "edit restore_file /etc/app.conf: applied")

	content, _ := f.fake.File("/etc/app.conf")
	require.Equal(t, "feature: off\n", content)
	require.Equal(t, 1, f.fake.CountCommands("echo reverted"))
}

func TestRunTargetFlagOverridesPlan(t *testing.T) {
	f := newFixture(t)
	f.fake.Reply("curl", session.ExecResult{Stdout: []byte("ok\n")})
	resultPath := filepath.Join(f.dir, "result.json")

	_, err := f.execute(t, "run", "-p", f.plan, "-t", "web-2", "--no-history", "--result", resultPath)
	require.NoError(t, err)
	require.Equal(t, "web-2", readResult(t, resultPath).Target)
}

func TestRunUnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.execute(t, "run", "-p", f.plan, "-t", "db-1", "--no-history")
	require.ErrorContains(t, err, `target "db-1" not found`)
	require.Empty(t, f.fake.Commands())
}

func TestRunRequiresPlan(t *testing.T) {
	f := newFixture(t)
	_, err := f.execute(t, "run", "--no-history")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	out, err := f.execute(t, "validate", "-p", f.plan)
	require.NoError(t, err)
	require.Equal(t, "Plan enable-feature is valid: 3 step(s), 1 recovery step(s)\n", out)

	bad := filepath.Join(f.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`name: bad
steps:
  - writeFile:
      path: /etc/app.conf
      content: x
`), 0o600))
	_, err = f.execute(t, "validate", "-p", bad)
	require.True(t, failure.Is(err, failure.Validation))
	require.ErrorContains(t, err, "without a preceding backup")
}

func TestExplain(t *testing.T) {
	f := newFixture(t)
	out, err := f.execute(t, "explain", "-p", f.plan)
	require.NoError(t, err)
	require.Contains(t, out, "Plan: enable-feature")
	require.Contains(t, out, "Target: web-1")
	require.Regexp(t, `edit\s+textTransform\s+/etc/app.conf\s+1m0s\s+backup\s+restore_file or remove_file`, out)
	require.Regexp(t, `health\s+healthCheck\s+command curl -fsS localhost/health\s+2m0s\s+-\s+none`, out)
	require.Contains(t, out, "After a successful rollback:")
	require.Empty(t, f.fake.Commands())
}

func TestExec(t *testing.T) {
	f := newFixture(t)
	f.fake.Reply("uptime", session.ExecResult{Stdout: []byte("up 3 days\n")})

	out, err := f.execute(t, "exec", "-e", "uptime", "-t", "web-1")
	require.NoError(t, err)
	require.Equal(t, "up 3 days\n", out)
	require.Equal(t, 1, f.fake.CloseCalls())
}

func TestExecAll(t *testing.T) {
	f := newFixture(t)
	f.fake.Reply("false", session.ExecResult{ExitCode: 1})

	out, err := f.execute(t, "exec", "-e", "false", "--all")
	require.ErrorContains(t, err, `web-1: command "false" exited 1`)
	require.ErrorContains(t, err, `web-2: command "false" exited 1`)
	require.Contains(t, out, "==> web-1")
	require.Contains(t, out, "==> web-2")
	require.Equal(t, 2, f.fake.CloseCalls())
}

func TestHistoryShowUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.execute(t, "history", "show", "nope", "--history", f.history)
	require.ErrorContains(t, err, "no run with id nope")

	out, err := f.execute(t, "history", "list", "--history", f.history)
	require.NoError(t, err)
	require.Equal(t, "No runs found.\n", out)
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	out, err := f.execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "remote-patcher version: 0.1.0")
}
