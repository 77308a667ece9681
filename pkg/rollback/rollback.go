// Package rollback undoes the committed steps of an aborted run.
package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/report"
)

// Action is the inverse of one committed step: its description plus the
// function that applies it.
type Action struct {
	report.RollbackAction
	Undo func(ctx context.Context) error
}

// Stack holds committed actions in commit order.
type Stack struct {
	mu      sync.Mutex
	actions []*Action
}

func (s *Stack) Push(a *Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

// Pop removes the most recently committed action. It returns nil when the
// stack is empty.
func (s *Stack) Pop() *Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return nil
	}
	a := s.actions[len(s.actions)-1]
	s.actions = s.actions[:len(s.actions)-1]
	return a
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// Snapshot returns the descriptions of the remaining actions, most recent
// first, which is the order they would be applied in.
func (s *Stack) Snapshot() []report.RollbackAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]report.RollbackAction, 0, len(s.actions))
	for i := len(s.actions) - 1; i >= 0; i-- {
		out = append(out, s.actions[i].RollbackAction)
	}
	return out
}

// Result of one rollback pass. Residual holds the failing action followed
// by every action never attempted; it is empty when rollback completed.
type Result struct {
	Applied  []report.RollbackRecord
	Failed   *report.RollbackRecord
	Residual []report.RollbackAction
}

// Complete reports whether every action was applied.
func (r Result) Complete() bool {
	return r.Failed == nil && len(r.Residual) == 0
}

// Records returns the applied records followed by the failed one.
func (r Result) Records() []report.RollbackRecord {
	out := append([]report.RollbackRecord(nil), r.Applied...)
	if r.Failed != nil {
		out = append(out, *r.Failed)
	}
	return out
}

type Controller struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewController(logger zerolog.Logger) *Controller {
	return &Controller{Logger: logger, Now: time.Now}
}

// Rollback pops and applies actions in reverse commit order. It stops at
// the first action that fails and leaves it, with the rest, as residual.
func (c *Controller) Rollback(ctx context.Context, stack *Stack) Result {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	var res Result
	for {
		a := stack.Pop()
		if a == nil {
			return res
		}
		log := c.Logger.With().Str("action", string(a.Kind)).Str("step", a.StepID).Str("target", a.Target()).Logger()

		rec := report.RollbackRecord{Action: a.RollbackAction, StartedAt: now()}
		err := ctx.Err()
		if err == nil {
			err = a.Undo(ctx)
		}
		rec.EndedAt = now()

		if err != nil {
			err = failure.Wrap(failure.Rollback, err, "%s %s", a.Kind, a.Target())
			rec.Outcome = report.RollbackActionFailed
			rec.Error = failure.ToReport(failure.AtStep(a.StepID, err))
			res.Failed = &rec
			res.Residual = append([]report.RollbackAction{a.RollbackAction}, stack.Snapshot()...)
			log.Error().Err(err).Int("residual", len(res.Residual)).Msg("rollback action failed, stopping")
			return res
		}

		rec.Outcome = report.RollbackApplied
		res.Applied = append(res.Applied, rec)
		log.Info().Msg("rollback action applied")
	}
}
