package step

import (
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
)

// Inverses returns the rollback actions s may commit when it changes the
// remote host. Which one is committed depends on the pre-image found at run
// time, for example remove_file when a written path did not exist. Steps
// that never commit return nil.
func Inverses(s *plan.Step) []report.ActionKind {
	switch s.Kind() {
	case plan.KindBackup:
		if s.Backup.KeepRemoteCopy {
			return []report.ActionKind{report.RemoveBackup}
		}
	case plan.KindWriteFile, plan.KindTextTransform:
		return []report.ActionKind{report.RestoreFile, report.RemoveFile}
	case plan.KindExec:
		if s.Exec.Undo != "" {
			return []report.ActionKind{report.RunCommand}
		}
	case plan.KindKVPut:
		return []report.ActionKind{report.RestoreKey, report.DeleteKey}
	}
	return nil
}
