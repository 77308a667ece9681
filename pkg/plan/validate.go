package plan

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/vmware/remote-patcher/pkg/artifact"
	"github.com/vmware/remote-patcher/pkg/failure"
)

// recoveryKinds may appear in afterRollback.
var recoveryKinds = map[Kind]bool{
	KindExec:           true,
	KindRestartService: true,
	KindHealthCheck:    true,
}

// Validate checks p and assigns ids to steps that have none. Every write
// to a path must follow a backup of that path unless the path is listed in
// NonRecoverable. All problems are reported together.
func Validate(p *Plan) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Name) == "" {
		addf("name is required")
	}
	if len(p.Steps) == 0 {
		addf("at least one step is required")
	}
	if p.Deadline.Duration < 0 {
		addf("deadline must not be negative")
	}
	for _, n := range p.NonRecoverable {
		if !path.IsAbs(n) {
			addf("nonRecoverable path %q must be absolute", n)
		}
	}

	assignIDs(p.Steps, "")
	assignIDs(p.AfterRollback, "recovery-")
	seen := make(map[string]bool)
	for _, list := range [][]Step{p.Steps, p.AfterRollback} {
		for _, s := range list {
			if seen[s.ID] {
				addf("duplicate step id %q", s.ID)
			}
			seen[s.ID] = true
		}
	}

	backedUp := make(map[string]bool)
	for i := range p.Steps {
		s := &p.Steps[i]
		for _, msg := range validateStep(s) {
			addf("step %s: %s", s.ID, msg)
		}
		switch s.Kind() {
		case KindBackup:
			backedUp[path.Clean(s.Backup.Path)] = true
		case KindWriteFile, KindTextTransform:
			target := path.Clean(s.Path())
			if !backedUp[target] && !p.IsNonRecoverable(target) {
				addf("step %s: writes %s without a preceding backup; add a backup step or list the path in nonRecoverable", s.ID, target)
			}
		}
	}

	for i := range p.AfterRollback {
		s := &p.AfterRollback[i]
		for _, msg := range validateStep(s) {
			addf("afterRollback step %s: %s", s.ID, msg)
		}
		if k := s.Kind(); k != "" && !recoveryKinds[k] {
			addf("afterRollback step %s: kind %s is not allowed, use exec, restartService or healthCheck", s.ID, k)
		}
	}

	if p.SmokeTest != nil {
		for _, msg := range validateHealthCheck(p.SmokeTest) {
			addf("smokeTest: %s", msg)
		}
	}

	if len(problems) > 0 {
		name := p.Name
		if name == "" {
			name = "<unnamed>"
		}
		return failure.New(failure.Validation, "invalid plan %s: %s", name, strings.Join(problems, "; "))
	}
	return nil
}

func assignIDs(steps []Step, prefix string) {
	for i := range steps {
		if steps[i].ID == "" {
			kind := steps[i].Kind()
			if kind == "" {
				kind = "step"
			}
			steps[i].ID = fmt.Sprintf("%s%d-%s", prefix, i+1, kind)
		}
	}
}

func validateStep(s *Step) []string {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	kinds := s.kinds()
	switch len(kinds) {
	case 0:
		return []string{"no step kind set"}
	case 1:
	default:
		return []string{fmt.Sprintf("exactly one step kind must be set, got %v", kinds)}
	}
	if s.Timeout.Duration < 0 {
		addf("timeout must not be negative")
	}

	switch kinds[0] {
	case KindBackup:
		problems = append(problems, validatePath(s.Backup.Path)...)
	case KindWriteFile:
		w := s.WriteFile
		problems = append(problems, validatePath(w.Path)...)
		if n := w.sources(); n != 1 {
			addf("exactly one of content, contentBase64 or source is required, got %d", n)
		}
		if w.ContentBase64 != "" {
			if _, err := artifact.Decode(w.ContentBase64); err != nil {
				addf("contentBase64: %v", err)
			}
		}
	case KindTextTransform:
		tt := s.TextTransform
		problems = append(problems, validatePath(tt.Path)...)
		if tt.Match == "" {
			addf("match is required")
		}
		if tt.Regexp {
			if _, err := regexp.Compile(tt.Match); err != nil {
				addf("match: %v", err)
			}
		}
		if _, err := tt.Occurrence.Policy(); err != nil {
			addf("%v", err)
		}
	case KindExec:
		e := s.Exec
		if strings.TrimSpace(e.Command) == "" {
			addf("command is required")
		}
		if e.Retries < 0 {
			addf("retries must not be negative")
		}
		for _, c := range e.ExpectedExitCodes {
			if c < 0 || c > 255 {
				addf("exit code %d out of range", c)
			}
		}
	case KindRestartService:
		r := s.RestartService
		if r.Name == "" {
			addf("name is required")
		}
		switch r.EffectiveManager() {
		case ManagerSystemd, ManagerPM2:
		case ManagerCustom:
			if r.Command == "" {
				addf("custom manager requires command")
			}
			if r.Liveness == nil {
				addf("custom manager requires liveness")
			}
		default:
			addf("unknown manager %q", r.Manager)
		}
		if r.Attempts < 0 {
			addf("attempts must not be negative")
		}
		if r.Liveness != nil {
			problems = append(problems, validateProbe(&r.Liveness.Probe)...)
		}
	case KindHealthCheck:
		problems = append(problems, validateHealthCheck(s.HealthCheck)...)
	case KindKVPut:
		kv := s.KVPut
		if len(kv.Endpoints) == 0 {
			addf("at least one endpoint is required")
		}
		for _, ep := range kv.Endpoints {
			if _, _, err := net.SplitHostPort(stripScheme(ep)); err != nil {
				addf("endpoint %q: %v", ep, err)
			}
		}
		if kv.Key == "" {
			addf("key is required")
		}
		if kv.TLS != nil && (kv.TLS.Cert == "") != (kv.TLS.Key == "") {
			addf("tls cert and key must be set together")
		}
	}
	return problems
}

func validateHealthCheck(h *HealthCheck) []string {
	problems := validateProbe(&h.Probe)
	if h.Retries != nil && *h.Retries < 0 {
		problems = append(problems, "retries must not be negative")
	}
	if h.Predicate.JSONField != nil && h.Predicate.JSONField.Path == "" {
		problems = append(problems, "jsonField path is required")
	}
	return problems
}

func validateProbe(p *Probe) []string {
	if n := p.count(); n != 1 {
		return []string{fmt.Sprintf("exactly one of http, tcp or command probe is required, got %d", n)}
	}
	switch {
	case p.HTTP != nil:
		u, err := url.Parse(p.HTTP.URL)
		if err != nil {
			return []string{fmt.Sprintf("probe url: %v", err)}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return []string{fmt.Sprintf("probe url %q must be http or https", p.HTTP.URL)}
		}
	case p.TCP != nil:
		if _, _, err := net.SplitHostPort(p.TCP.Address); err != nil {
			return []string{fmt.Sprintf("probe address: %v", err)}
		}
	case p.Command != nil:
		if strings.TrimSpace(p.Command.Command) == "" {
			return []string{"probe command is required"}
		}
	}
	return nil
}

func validatePath(p string) []string {
	switch {
	case p == "":
		return []string{"path is required"}
	case !path.IsAbs(p):
		return []string{fmt.Sprintf("path %q must be absolute", p)}
	}
	return nil
}

// stripScheme turns "https://10.0.0.1:2379" into "10.0.0.1:2379".
func stripScheme(endpoint string) string {
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		return rest
	}
	return endpoint
}

// EndpointAddress returns the host:port of an etcd endpoint.
func EndpointAddress(endpoint string) string {
	return stripScheme(endpoint)
}
