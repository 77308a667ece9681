package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/report"
)

func action(id string, order *[]string, err error) *Action {
	return &Action{
		RollbackAction: report.RollbackAction{ID: id, StepID: "step-" + id, Kind: report.RestoreFile, Path: "/etc/" + id},
		Undo: func(context.Context) error {
			*order = append(*order, id)
			return err
		},
	}
}

func TestStackOrder(t *testing.T) {
	var order []string
	var s Stack
	require.Nil(t, s.Pop())

	s.Push(action("a", &order, nil))
	s.Push(action("b", &order, nil))
	s.Push(action("c", &order, nil))
	require.Equal(t, 3, s.Len())

	snap := s.Snapshot()
	require.Equal(t, []string{"c", "b", "a"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	require.Equal(t, "c", s.Pop().ID)
	require.Equal(t, 2, s.Len())
}

func TestRollbackAppliesInReverse(t *testing.T) {
	var order []string
	var s Stack
	s.Push(action("a", &order, nil))
	s.Push(action("b", &order, nil))
	s.Push(action("c", &order, nil))

	res := NewController(zerolog.Nop()).Rollback(context.Background(), &s)
	require.True(t, res.Complete())
	require.Equal(t, []string{"c", "b", "a"}, order)
	require.Len(t, res.Applied, 3)
	for _, rec := range res.Applied {
		require.Equal(t, report.RollbackApplied, rec.Outcome)
		require.Nil(t, rec.Error)
	}
	require.Zero(t, s.Len())
}

func TestRollbackStopsAtFirstFailure(t *testing.T) {
	var order []string
	var s Stack
	s.Push(action("a", &order, nil))
	s.Push(action("b", &order, errors.New("disk full")))
	s.Push(action("c", &order, nil))

	res := NewController(zerolog.Nop()).Rollback(context.Background(), &s)
	require.False(t, res.Complete())
	require.Equal(t, []string{"c", "b"}, order)

	require.Len(t, res.Applied, 1)
	require.Equal(t, "c", res.Applied[0].Action.ID)

	require.NotNil(t, res.Failed)
	require.Equal(t, "b", res.Failed.Action.ID)
	require.Equal(t, report.RollbackActionFailed, res.Failed.Outcome)
	require.Equal(t, failure.Rollback, res.Failed.Error.Kind)
	require.Equal(t, "step-b", res.Failed.Error.Step)
	require.Contains(t, res.Failed.Error.Message, "disk full")

	require.Len(t, res.Residual, 2)
	require.Equal(t, "b", res.Residual[0].ID)
	require.Equal(t, "a", res.Residual[1].ID)
	require.Len(t, res.Records(), 2)
}

func TestRollbackEmptyStack(t *testing.T) {
	res := NewController(zerolog.Nop()).Rollback(context.Background(), &Stack{})
	require.True(t, res.Complete())
	require.Empty(t, res.Applied)
}

func TestRollbackCancelledContext(t *testing.T) {
	var order []string
	var s Stack
	s.Push(action("a", &order, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewController(zerolog.Nop()).Rollback(ctx, &s)
	require.False(t, res.Complete())
	require.Empty(t, order)
	require.Equal(t, "a", res.Residual[0].ID)
}
