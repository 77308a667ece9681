// Package plan defines the declarative document a run executes: an ordered
// list of typed steps against one target.
package plan

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vmware/remote-patcher/pkg/artifact"
)

// Kind names a step variant.
type Kind string

const (
	KindBackup         Kind = "backup"
	KindWriteFile      Kind = "writeFile"
	KindTextTransform  Kind = "textTransform"
	KindExec           Kind = "exec"
	KindRestartService Kind = "restartService"
	KindHealthCheck    Kind = "healthCheck"
	KindKVPut          Kind = "kvPut"
)

// Per-kind step timeouts used when a step sets none.
var defaultTimeouts = map[Kind]time.Duration{
	KindBackup:         30 * time.Second,
	KindWriteFile:      time.Minute,
	KindTextTransform:  time.Minute,
	KindExec:           5 * time.Minute,
	KindRestartService: 5 * time.Minute,
	KindHealthCheck:    2 * time.Minute,
	KindKVPut:          30 * time.Second,
}

// DefaultTimeout returns the timeout for a step of kind k.
func DefaultTimeout(k Kind) time.Duration {
	if d, ok := defaultTimeouts[k]; ok {
		return d
	}
	return time.Minute
}

type Plan struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Target names the entry in the targets file the plan is meant for.
	Target string `json:"target,omitempty"`
	// Deadline bounds the whole run, rollback excluded.
	Deadline metav1.Duration `json:"deadline,omitempty"`
	// NonRecoverable lists paths that may be written without a backup.
	NonRecoverable []string     `json:"nonRecoverable,omitempty"`
	SmokeTest      *HealthCheck `json:"smokeTest,omitempty"`
	Steps          []Step       `json:"steps"`
	// AfterRollback runs after a successful rollback.
	AfterRollback []Step `json:"afterRollback,omitempty"`

	// BaseDir resolves relative writeFile sources. Set by the loader.
	BaseDir string `json:"-"`
}

// IsNonRecoverable reports whether name was declared writable without backup.
func (p *Plan) IsNonRecoverable(name string) bool {
	for _, n := range p.NonRecoverable {
		if path.Clean(n) == path.Clean(name) {
			return true
		}
	}
	return false
}

// Step is a tagged variant: exactly one of the kind fields is set.
type Step struct {
	ID          string          `json:"id,omitempty"`
	Description string          `json:"description,omitempty"`
	Timeout     metav1.Duration `json:"timeout,omitempty"`

	Backup         *Backup         `json:"backup,omitempty"`
	WriteFile      *WriteFile      `json:"writeFile,omitempty"`
	TextTransform  *TextTransform  `json:"textTransform,omitempty"`
	Exec           *ExecCommand    `json:"exec,omitempty"`
	RestartService *RestartService `json:"restartService,omitempty"`
	HealthCheck    *HealthCheck    `json:"healthCheck,omitempty"`
	KVPut          *KeyValuePut    `json:"kvPut,omitempty"`
}

// kinds returns every variant set on s.
func (s *Step) kinds() []Kind {
	var out []Kind
	if s.Backup != nil {
		out = append(out, KindBackup)
	}
	if s.WriteFile != nil {
		out = append(out, KindWriteFile)
	}
	if s.TextTransform != nil {
		out = append(out, KindTextTransform)
	}
	if s.Exec != nil {
		out = append(out, KindExec)
	}
	if s.RestartService != nil {
		out = append(out, KindRestartService)
	}
	if s.HealthCheck != nil {
		out = append(out, KindHealthCheck)
	}
	if s.KVPut != nil {
		out = append(out, KindKVPut)
	}
	return out
}

// Kind returns the variant of s, or "" when none or several are set.
func (s *Step) Kind() Kind {
	k := s.kinds()
	if len(k) != 1 {
		return ""
	}
	return k[0]
}

// Path returns the remote file a file-type step touches.
func (s *Step) Path() string {
	switch {
	case s.Backup != nil:
		return s.Backup.Path
	case s.WriteFile != nil:
		return s.WriteFile.Path
	case s.TextTransform != nil:
		return s.TextTransform.Path
	default:
		return ""
	}
}

// Destructive reports whether the step can change remote state.
func (s *Step) Destructive() bool {
	switch s.Kind() {
	case KindWriteFile, KindTextTransform, KindKVPut, KindRestartService:
		return true
	case KindBackup:
		return s.Backup.KeepRemoteCopy
	case KindExec:
		return true
	default:
		return false
	}
}

// EffectiveTimeout returns the step timeout, or the kind default.
func (s *Step) EffectiveTimeout() time.Duration {
	if s.Timeout.Duration > 0 {
		return s.Timeout.Duration
	}
	return DefaultTimeout(s.Kind())
}

type Backup struct {
	Path string `json:"path"`
	// MustExist defaults to true.
	MustExist *bool `json:"mustExist,omitempty"`
	// KeepRemoteCopy also copies the file to <path>.bak-<run> on the target.
	KeepRemoteCopy bool `json:"keepRemoteCopy,omitempty"`
}

// RequireExisting reports whether a missing path fails the step.
func (b *Backup) RequireExisting() bool {
	return b.MustExist == nil || *b.MustExist
}

// WriteFile replaces a file with new content taken from exactly one of
// Content, ContentBase64 or Source.
type WriteFile struct {
	Path          string  `json:"path"`
	Content       *string `json:"content,omitempty"`
	ContentBase64 string  `json:"contentBase64,omitempty"`
	// Source is a local file, relative to the plan's directory.
	Source string `json:"source,omitempty"`
	// Mode defaults to the existing file's mode, else 0644.
	Mode FileMode `json:"mode,omitempty"`
}

func (w *WriteFile) sources() int {
	n := 0
	if w.Content != nil {
		n++
	}
	if w.ContentBase64 != "" {
		n++
	}
	if w.Source != "" {
		n++
	}
	return n
}

// Resolve returns the content to write.
func (w *WriteFile) Resolve(baseDir string) ([]byte, error) {
	switch {
	case w.Content != nil:
		return []byte(*w.Content), nil
	case w.ContentBase64 != "":
		return artifact.Decode(w.ContentBase64)
	case w.Source != "":
		p := w.Source
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("no content")
	}
}

// TextTransform edits a file in place by replacing Match with Replacement.
type TextTransform struct {
	Path        string `json:"path"`
	Match       string `json:"match"`
	Replacement string `json:"replacement"`
	// Regexp treats Match as a regular expression; Replacement may then
	// refer to groups as $1.
	Regexp bool `json:"regexp,omitempty"`
	// Occurrence defaults to exactly:1.
	Occurrence Occurrence `json:"occurrence,omitempty"`
}

type ExecCommand struct {
	Command string `json:"command"`
	// ExpectedExitCodes defaults to [0].
	ExpectedExitCodes []int           `json:"expectedExitCodes,omitempty"`
	Retries           int             `json:"retries,omitempty"`
	Backoff           metav1.Duration `json:"backoff,omitempty"`
	Sudo              bool            `json:"sudo,omitempty"`
	// Undo is run during rollback when the command succeeded.
	Undo string `json:"undo,omitempty"`
}

// ExitCodes returns the accepted exit codes.
func (e *ExecCommand) ExitCodes() []int {
	if len(e.ExpectedExitCodes) == 0 {
		return []int{0}
	}
	return e.ExpectedExitCodes
}

// ServiceManager selects the restart and liveness commands.
type ServiceManager string

const (
	ManagerSystemd ServiceManager = "systemd"
	ManagerPM2     ServiceManager = "pm2"
	ManagerCustom  ServiceManager = "custom"
)

// RestartService defaults.
const (
	DefaultGracefulTimeout = 30 * time.Second
	DefaultRestartAttempts = 5
	DefaultRestartBackoff  = time.Second
)

type RestartService struct {
	Name string `json:"name"`
	// Manager defaults to systemd.
	Manager ServiceManager `json:"manager,omitempty"`
	// Command overrides the manager's restart command; required for custom.
	Command         string          `json:"command,omitempty"`
	GracefulTimeout metav1.Duration `json:"gracefulTimeout,omitempty"`
	// Liveness defaults to the manager's status command.
	Liveness *Liveness       `json:"liveness,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Backoff  metav1.Duration `json:"backoff,omitempty"`
	Sudo     bool            `json:"sudo,omitempty"`
}

// EffectiveManager returns the manager, defaulting to systemd.
func (r *RestartService) EffectiveManager() ServiceManager {
	if r.Manager == "" {
		return ManagerSystemd
	}
	return r.Manager
}

func (r *RestartService) EffectiveGracefulTimeout() time.Duration {
	if r.GracefulTimeout.Duration > 0 {
		return r.GracefulTimeout.Duration
	}
	return DefaultGracefulTimeout
}

func (r *RestartService) EffectiveAttempts() int {
	if r.Attempts > 0 {
		return r.Attempts
	}
	return DefaultRestartAttempts
}

func (r *RestartService) EffectiveBackoff() time.Duration {
	if r.Backoff.Duration > 0 {
		return r.Backoff.Duration
	}
	return DefaultRestartBackoff
}

// Liveness is the signal that a restarted service is up.
type Liveness struct {
	Probe     Probe     `json:"probe"`
	Predicate Predicate `json:"predicate,omitempty"`
}

// DefaultHealthRetries applies when a health check sets no retries.
const DefaultHealthRetries = 3

type HealthCheck struct {
	Probe     Probe     `json:"probe"`
	Predicate Predicate `json:"predicate,omitempty"`
	// Retries after the first attempt; defaults to DefaultHealthRetries.
	Retries *int            `json:"retries,omitempty"`
	Backoff metav1.Duration `json:"backoff,omitempty"`
}

// Attempts returns the total number of probes.
func (h *HealthCheck) Attempts() int {
	if h.Retries == nil {
		return DefaultHealthRetries + 1
	}
	return *h.Retries + 1
}

// Probe is one of HTTP, TCP or Command.
type Probe struct {
	HTTP    *HTTPProbe    `json:"http,omitempty"`
	TCP     *TCPProbe     `json:"tcp,omitempty"`
	Command *CommandProbe `json:"command,omitempty"`
}

func (p *Probe) count() int {
	n := 0
	if p.HTTP != nil {
		n++
	}
	if p.TCP != nil {
		n++
	}
	if p.Command != nil {
		n++
	}
	return n
}

// String names the probe for logs.
func (p Probe) String() string {
	switch {
	case p.HTTP != nil:
		m := p.HTTP.Method
		if m == "" {
			m = "GET"
		}
		return m + " " + p.HTTP.URL
	case p.TCP != nil:
		return "tcp " + p.TCP.Address
	case p.Command != nil:
		return "command " + p.Command.Command
	default:
		return "none"
	}
}

type HTTPProbe struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// Tunnel connects through the session, so the URL is resolved as seen
	// from the target.
	Tunnel bool `json:"tunnel,omitempty"`
}

type TCPProbe struct {
	Address string `json:"address"`
	Tunnel  bool   `json:"tunnel,omitempty"`
}

type CommandProbe struct {
	Command string `json:"command"`
}

// Predicate clauses all have to hold. Unset clauses are ignored, except
// Status for HTTP probes (default 200) and ExitCode for command probes
// (default 0).
type Predicate struct {
	Status       []int      `json:"status,omitempty"`
	BodyContains string     `json:"bodyContains,omitempty"`
	JSONField    *JSONField `json:"jsonField,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
}

// JSONField compares the value at a gjson path with Equals.
type JSONField struct {
	Path   string `json:"path"`
	Equals string `json:"equals"`
}

// KeyValuePut writes one etcd key through a connection tunnelled over the
// session.
type KeyValuePut struct {
	Endpoints   []string        `json:"endpoints"`
	Key         string          `json:"key"`
	Value       string          `json:"value"`
	TLS         *TLS            `json:"tls,omitempty"`
	DialTimeout metav1.Duration `json:"dialTimeout,omitempty"`
}

// TLS files are read on the target through the session.
type TLS struct {
	CA         string `json:"ca,omitempty"`
	Cert       string `json:"cert,omitempty"`
	Key        string `json:"key,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}
