package step

import (
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/vmware/remote-patcher/pkg/artifact"
)

// Backup is the content of a path captured before the run changed it.
type Backup struct {
	Path string
	// Exists is false when the path was absent at capture time.
	Exists  bool
	Data    []byte
	Mode    fs.FileMode
	Hash    artifact.Digest
	TakenAt time.Time
}

// BackupSet holds the backups of one run, keyed by path. The first capture
// of a path wins so the set always holds the pre-run content.
type BackupSet struct {
	mu      sync.Mutex
	backups map[string]Backup
}

func NewBackupSet() *BackupSet {
	return &BackupSet{backups: make(map[string]Backup)}
}

// Put stores b unless the path was captured before. It reports whether b
// was stored.
func (s *BackupSet) Put(b Backup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path.Clean(b.Path)
	if _, ok := s.backups[key]; ok {
		return false
	}
	b.Path = key
	b.Data = append([]byte(nil), b.Data...)
	s.backups[key] = b
	return true
}

func (s *BackupSet) Get(p string) (Backup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[path.Clean(p)]
	return b, ok
}

func (s *BackupSet) Has(p string) bool {
	_, ok := s.Get(p)
	return ok
}

// Paths returns the captured paths in sorted order.
func (s *BackupSet) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.backups))
	for p := range s.backups {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
