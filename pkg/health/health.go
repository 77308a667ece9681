// Package health probes a service and decides whether it is healthy.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/retry"
	"github.com/vmware/remote-patcher/pkg/session"
)

// DefaultMaxBody caps how much of a response body is kept.
const DefaultMaxBody = 64 << 10

// Executor is the part of a session probes need.
type Executor interface {
	Exec(ctx context.Context, command string) (session.ExecResult, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Observation is what one probe saw.
type Observation struct {
	StatusCode int
	Body       string
	ExitCode   int
	Stdout     string
	Stderr     string
	Latency    time.Duration
}

// Verifier runs probes and evaluates predicates.
type Verifier struct {
	Logger  zerolog.Logger
	MaxBody int64
}

func New(logger zerolog.Logger) *Verifier {
	return &Verifier{Logger: logger, MaxBody: DefaultMaxBody}
}

// Probe runs p once. A probe that cannot reach the service returns a
// retryable HealthCheck error.
func (v *Verifier) Probe(ctx context.Context, sess Executor, p plan.Probe) (Observation, error) {
	start := time.Now()
	var (
		obs Observation
		err error
	)
	switch {
	case p.HTTP != nil:
		obs, err = v.probeHTTP(ctx, sess, p.HTTP)
	case p.TCP != nil:
		obs, err = v.probeTCP(ctx, sess, p.TCP)
	case p.Command != nil:
		obs, err = v.probeCommand(ctx, sess, p.Command)
	default:
		return obs, failure.New(failure.Validation, "probe has no kind")
	}
	obs.Latency = time.Since(start)
	return obs, err
}

func (v *Verifier) probeHTTP(ctx context.Context, sess Executor, p *plan.HTTPProbe) (Observation, error) {
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return Observation{}, failure.Wrap(failure.Validation, err, "build probe request")
	}
	for k, val := range p.Headers {
		req.Header.Set(k, val)
	}

	transport := &http.Transport{DisableKeepAlives: true}
	if p.Tunnel {
		transport.DialContext = sess.DialContext
	} else {
		transport.DialContext = (&net.Dialer{}).DialContext
	}
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return Observation{}, probeError(ctx, err, "%s %s", method, p.URL)
	}
	defer resp.Body.Close()

	maxBody := v.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Observation{StatusCode: resp.StatusCode}, probeError(ctx, err, "read response of %s", p.URL)
	}
	return Observation{StatusCode: resp.StatusCode, Body: string(data)}, nil
}

func (v *Verifier) probeTCP(ctx context.Context, sess Executor, p *plan.TCPProbe) (Observation, error) {
	dial := (&net.Dialer{}).DialContext
	if p.Tunnel {
		dial = sess.DialContext
	}
	conn, err := dial(ctx, "tcp", p.Address)
	if err != nil {
		return Observation{}, probeError(ctx, err, "connect %s", p.Address)
	}
	conn.Close()
	return Observation{}, nil
}

func (v *Verifier) probeCommand(ctx context.Context, sess Executor, p *plan.CommandProbe) (Observation, error) {
	res, err := sess.Exec(ctx, p.Command)
	if err != nil {
		return Observation{}, err
	}
	return Observation{ExitCode: res.ExitCode, Stdout: string(res.Stdout), Stderr: string(res.Stderr)}, nil
}

func probeError(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.KindOf(ctx.Err()), err, format, args...)
	}
	return failure.Wrap(failure.HealthCheck, err, format, args...).Retry()
}

// Evaluate checks obs against every configured clause of pred.
func (v *Verifier) Evaluate(p plan.Probe, obs Observation, pred plan.Predicate) error {
	var problems []string

	switch {
	case p.HTTP != nil:
		want := pred.Status
		if len(want) == 0 {
			want = []int{http.StatusOK}
		}
		if !slices.Contains(want, obs.StatusCode) {
			problems = append(problems, fmt.Sprintf("status %d not in %v", obs.StatusCode, want))
		}
	case p.Command != nil:
		want := 0
		if pred.ExitCode != nil {
			want = *pred.ExitCode
		}
		if obs.ExitCode != want {
			problems = append(problems, fmt.Sprintf("exit code %d, want %d", obs.ExitCode, want))
		}
	}

	output := obs.Body
	if p.Command != nil {
		output = obs.Stdout
	}
	if pred.BodyContains != "" && !strings.Contains(output, pred.BodyContains) {
		problems = append(problems, fmt.Sprintf("output does not contain %q", pred.BodyContains))
	}
	if f := pred.JSONField; f != nil {
		if !gjson.Valid(output) {
			problems = append(problems, "output is not valid JSON")
		} else if res := gjson.Get(output, f.Path); !res.Exists() {
			problems = append(problems, fmt.Sprintf("json field %s missing", f.Path))
		} else if res.String() != f.Equals {
			problems = append(problems, fmt.Sprintf("json field %s is %q, want %q", f.Path, res.String(), f.Equals))
		}
	}

	if len(problems) > 0 {
		return failure.New(failure.HealthCheck, "%s: %s", p, strings.Join(problems, "; ")).Retry()
	}
	return nil
}

// Check probes once and evaluates the result.
func (v *Verifier) Check(ctx context.Context, sess Executor, p plan.Probe, pred plan.Predicate) (Observation, error) {
	obs, err := v.Probe(ctx, sess, p)
	if err != nil {
		return obs, err
	}
	return obs, v.Evaluate(p, obs, pred)
}

// Await repeats Check until it passes or attempts run out. It returns the
// last observation and the number of attempts made.
func (v *Verifier) Await(ctx context.Context, sess Executor, p plan.Probe, pred plan.Predicate, attempts int, backoff time.Duration) (Observation, int, error) {
	var last Observation
	n, err := retry.Do(ctx, retry.Policy{Attempts: attempts, Backoff: backoff}, func(ctx context.Context, attempt int) error {
		obs, err := v.Check(ctx, sess, p, pred)
		last = obs
		if err != nil {
			v.Logger.Debug().Err(err).Int("attempt", attempt).Str("probe", p.String()).Msg("probe not healthy yet")
		}
		return err
	})
	return last, n, err
}
