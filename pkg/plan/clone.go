package plan

import (
	"maps"
	"slices"
)

// DeepCopy returns a copy of p sharing no memory with it. Runs validate and
// execute a copy, so one plan may be handed to several concurrent runs.
func (p *Plan) DeepCopy() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.NonRecoverable = slices.Clone(p.NonRecoverable)
	out.SmokeTest = p.SmokeTest.DeepCopy()
	out.Steps = deepCopySteps(p.Steps)
	out.AfterRollback = deepCopySteps(p.AfterRollback)
	return &out
}

func deepCopySteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	for i := range in {
		out[i] = *in[i].DeepCopy()
	}
	return out
}

func (s *Step) DeepCopy() *Step {
	out := *s
	if s.Backup != nil {
		b := *s.Backup
		b.MustExist = clonePtr(s.Backup.MustExist)
		out.Backup = &b
	}
	if s.WriteFile != nil {
		w := *s.WriteFile
		w.Content = clonePtr(s.WriteFile.Content)
		out.WriteFile = &w
	}
	if s.TextTransform != nil {
		t := *s.TextTransform
		out.TextTransform = &t
	}
	if s.Exec != nil {
		e := *s.Exec
		e.ExpectedExitCodes = slices.Clone(s.Exec.ExpectedExitCodes)
		out.Exec = &e
	}
	if s.RestartService != nil {
		r := *s.RestartService
		if s.RestartService.Liveness != nil {
			l := Liveness{
				Probe:     s.RestartService.Liveness.Probe.DeepCopy(),
				Predicate: s.RestartService.Liveness.Predicate.DeepCopy(),
			}
			r.Liveness = &l
		}
		out.RestartService = &r
	}
	out.HealthCheck = s.HealthCheck.DeepCopy()
	if s.KVPut != nil {
		k := *s.KVPut
		k.Endpoints = slices.Clone(s.KVPut.Endpoints)
		k.TLS = clonePtr(s.KVPut.TLS)
		out.KVPut = &k
	}
	return &out
}

func (h *HealthCheck) DeepCopy() *HealthCheck {
	if h == nil {
		return nil
	}
	out := *h
	out.Probe = h.Probe.DeepCopy()
	out.Predicate = h.Predicate.DeepCopy()
	out.Retries = clonePtr(h.Retries)
	return &out
}

func (p Probe) DeepCopy() Probe {
	out := p
	if p.HTTP != nil {
		h := *p.HTTP
		h.Headers = maps.Clone(p.HTTP.Headers)
		out.HTTP = &h
	}
	out.TCP = clonePtr(p.TCP)
	out.Command = clonePtr(p.Command)
	return out
}

func (p Predicate) DeepCopy() Predicate {
	out := p
	out.Status = slices.Clone(p.Status)
	out.JSONField = clonePtr(p.JSONField)
	out.ExitCode = clonePtr(p.ExitCode)
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
