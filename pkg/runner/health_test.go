package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/session/sessiontest"
)

func TestRunRollsBackWhenHealthyStatusHasWrongBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	p := debugPlan()
	retries := 3
	p.Steps[3].HealthCheck = &plan.HealthCheck{
		Probe:     plan.Probe{HTTP: &plan.HTTPProbe{URL: srv.URL}},
		Predicate: plan.Predicate{Status: []int{http.StatusOK}, BodyContains: "ready"},
		Retries:   &retries,
		Backoff:   ms(1),
	}

	fake := healthyHost()
	res := newRunner(sessiontest.NewDialer(fake)).Run(context.Background(), p, sessiontest.Target("svc-host"))

	require.Equal(t, report.RolledBack, res.Status)
	require.Equal(t, "health", res.FailedStep)
	require.Equal(t, failure.HealthCheck, res.Error.Kind)
	require.True(t, res.RollbackRan)

	failed := res.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, 4, failed[0].Attempts)
	require.Equal(t, http.StatusOK, failed[0].HTTPStatus)
	require.EqualValues(t, 4, hits.Load())

	got, _ := fake.File("/svc/config")
	require.Equal(t, originalConfig, got)
}
