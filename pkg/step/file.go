package step

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/vmware/remote-patcher/pkg/artifact"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/retry"
	"github.com/vmware/remote-patcher/pkg/rollback"
	"github.com/vmware/remote-patcher/pkg/session"
)

// Transfer bounds for write-type steps.
const (
	DefaultTransferAttempts = 2
	transferBackoff         = 200 * time.Millisecond
	defaultFileMode         = fs.FileMode(0o644)
)

// readOptional reads p and returns nil when it does not exist.
func readOptional(ctx context.Context, sess Session, p string) (*session.FileContent, error) {
	fc, err := sess.Read(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fc, nil
}

// RemoteCopyPath is where a backup with keepRemoteCopy is written.
func RemoteCopyPath(p, runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return p + ".bak-" + runID
}

func backup(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	b := s.Backup
	pre, err := readOptional(ctx, env.Session, b.Path)
	if err != nil {
		return nil, err
	}
	if pre == nil {
		if b.RequireExisting() {
			return nil, failure.New(failure.Precondition, "backup %s: path does not exist", b.Path)
		}
		env.Backups.Put(Backup{Path: b.Path, TakenAt: env.now()})
		return nil, nil
	}

	digest := artifact.Hash(pre.Data)
	rec.HashBefore = digest
	if !env.Backups.Put(Backup{Path: b.Path, Exists: true, Data: pre.Data, Mode: pre.Mode.Perm(), Hash: digest, TakenAt: env.now()}) {
		env.Logger.Debug().Str("path", b.Path).Msg("path already backed up, keeping the first capture")
	}
	if !b.KeepRemoteCopy {
		return nil, nil
	}

	copyPath := RemoteCopyPath(b.Path, env.RunID)
	rec.Artifact = copyPath
	if err := env.Session.Transfer(ctx, copyPath, pre.Data, pre.Mode.Perm()); err != nil {
		return nil, err
	}
	action := &rollback.Action{
		RollbackAction: report.RollbackAction{Kind: report.RemoveBackup, Path: copyPath},
		Undo: func(ctx context.Context) error {
			return env.Session.Remove(ctx, copyPath)
		},
	}
	got, err := env.Session.Read(ctx, copyPath)
	if err != nil {
		return action, err
	}
	if err := artifact.Verify(digest, got.Data); err != nil {
		return action, failure.Wrap(failure.Verification, err, "remote copy %s", copyPath)
	}
	return action, nil
}

func writeFile(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	w := s.WriteFile
	data, err := w.Resolve(env.BaseDir)
	if err != nil {
		return nil, failure.Wrap(failure.Validation, err, "content of %s", w.Path)
	}
	pre, err := readOptional(ctx, env.Session, w.Path)
	if err != nil {
		return nil, err
	}
	return writeWithVerify(ctx, env, rec, w.Path, data, w.Mode.Perm(), pre)
}

func textTransform(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	t := s.TextTransform
	pre, err := readOptional(ctx, env.Session, t.Path)
	if err != nil {
		return nil, err
	}
	if pre == nil {
		return nil, failure.New(failure.Precondition, "transform %s: path does not exist", t.Path)
	}

	out, matches, err := Apply(pre.Data, t)
	if err != nil {
		rec.HashBefore = artifact.Hash(pre.Data)
		return nil, err
	}
	env.Logger.Debug().Str("path", t.Path).Int("matches", matches).Msg("transform applied locally")
	return writeWithVerify(ctx, env, rec, t.Path, out, 0, pre)
}

// writeWithVerify replaces p with data unless it already holds it. The
// returned action restores pre, or removes p when pre is nil. It is
// returned as soon as a transfer went through, even if verification then
// failed. A failed transfer leaves p untouched.
func writeWithVerify(ctx context.Context, env *Env, rec *report.ExecutionRecord, p string, data []byte, mode fs.FileMode, pre *session.FileContent) (*rollback.Action, error) {
	want := artifact.Hash(data)
	if pre != nil {
		rec.HashBefore = artifact.Hash(pre.Data)
		if artifact.Equal(pre.Data, data) {
			rec.HashAfter = rec.HashBefore
			rec.NoOp = true
			return nil, nil
		}
	}
	if !env.Backups.Has(p) && !env.nonRecoverable(p) {
		return nil, failure.New(failure.Precondition, "write %s: no backup taken and path is not declared non-recoverable", p)
	}

	switch {
	case mode != 0:
	case pre != nil && pre.Mode.Perm() != 0:
		mode = pre.Mode.Perm()
	default:
		mode = defaultFileMode
	}

	var action *rollback.Action
	attempts, err := retry.Do(ctx, retry.Policy{Attempts: DefaultTransferAttempts, Backoff: transferBackoff}, func(ctx context.Context, attempt int) error {
		if err := env.Session.Transfer(ctx, p, data, mode); err != nil {
			if failure.Is(err, failure.Transfer) {
				return failure.Wrap(failure.Transfer, err, "attempt %d", attempt).Retry()
			}
			return err
		}
		if action == nil {
			action = inverseOf(env, p, pre)
		}
		got, err := env.Session.Read(ctx, p)
		if err != nil {
			return err
		}
		rec.HashAfter = artifact.Hash(got.Data)
		if err := artifact.Verify(want, got.Data); err != nil {
			return failure.Wrap(failure.Verification, err, "verify %s", p).Retry()
		}
		return nil
	})
	rec.Attempts = attempts
	return action, err
}

func inverseOf(env *Env, p string, pre *session.FileContent) *rollback.Action {
	if pre == nil {
		return &rollback.Action{
			RollbackAction: report.RollbackAction{Kind: report.RemoveFile, Path: p},
			Undo: func(ctx context.Context) error {
				return env.Session.Remove(ctx, p)
			},
		}
	}
	data := append([]byte(nil), pre.Data...)
	digest := artifact.Hash(data)
	mode := pre.Mode.Perm()
	if mode == 0 {
		mode = defaultFileMode
	}
	return &rollback.Action{
		RollbackAction: report.RollbackAction{
			Kind:         report.RestoreFile,
			Path:         p,
			PreImageHash: digest,
			Mode:         mode,
			PreImage:     artifact.Encode(data),
		},
		Undo: func(ctx context.Context) error {
			return restoreFile(ctx, env.Session, p, data, mode, digest)
		},
	}
}

// restoreFile writes data back and verifies it. Running it twice leaves the
// same content.
func restoreFile(ctx context.Context, sess Session, p string, data []byte, mode fs.FileMode, digest artifact.Digest) error {
	if cur, err := sess.Read(ctx, p); err == nil && digest.Matches(cur.Data) && cur.Mode.Perm() == mode {
		return nil
	}
	if err := sess.Transfer(ctx, p, data, mode); err != nil {
		return err
	}
	got, err := sess.Read(ctx, p)
	if err != nil {
		return err
	}
	if err := artifact.Verify(digest, got.Data); err != nil {
		return failure.Wrap(failure.Verification, err, "restore %s", p)
	}
	return nil
}
