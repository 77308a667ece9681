package step

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
)

// Apply performs t on content and returns the result and the number of
// matches found. When the occurrence policy is not met the content is
// returned unchanged with a VerificationFailure.
//
// A first or all transform with no match whose replacement is already
// present is treated as applied, so running a plan twice is a no-op. An
// exactly:N transform always requires N matches.
func Apply(content []byte, t *plan.TextTransform) ([]byte, int, error) {
	policy, err := t.Occurrence.Policy()
	if err != nil {
		return content, 0, failure.Wrap(failure.Validation, err, "transform %s", t.Path)
	}

	var (
		matches  [][]int
		re       *regexp.Regexp
		literal  = []byte(t.Match)
		replaced = []byte(t.Replacement)
	)
	if t.Regexp {
		re, err = regexp.Compile(t.Match)
		if err != nil {
			return content, 0, failure.Wrap(failure.Validation, err, "transform %s", t.Path)
		}
		matches = re.FindAllSubmatchIndex(content, -1)
	} else {
		matches = literalIndex(content, literal)
	}

	n := len(matches)
	if n == 0 && policy.Mode != plan.OccurrenceExactly && alreadyApplied(content, t) {
		return content, 0, nil
	}

	switch policy.Mode {
	case plan.OccurrenceFirst, plan.OccurrenceAll:
		if n == 0 {
			return content, 0, failure.New(failure.Verification, "transform %s: %q not found, want %s", t.Path, t.Match, policy)
		}
	case plan.OccurrenceExactly:
		if n != policy.Count {
			return content, n, failure.New(failure.Verification, "transform %s: found %d occurrences of %q, want %s", t.Path, n, t.Match, policy)
		}
	}
	if policy.Mode == plan.OccurrenceFirst {
		matches = matches[:1]
	}

	var out bytes.Buffer
	last := 0
	for _, m := range matches {
		out.Write(content[last:m[0]])
		if re != nil {
			out.Write(re.Expand(nil, replaced, content, m))
		} else {
			out.Write(replaced)
		}
		last = m[1]
	}
	out.Write(content[last:])
	return out.Bytes(), n, nil
}

// literalIndex returns the non-overlapping locations of match in content.
func literalIndex(content, match []byte) [][]int {
	var out [][]int
	if len(match) == 0 {
		return out
	}
	for off := 0; off <= len(content); {
		i := bytes.Index(content[off:], match)
		if i < 0 {
			break
		}
		start := off + i
		out = append(out, []int{start, start + len(match)})
		off = start + len(match)
	}
	return out
}

// alreadyApplied reports whether content holds the replacement of a
// transform that no longer matches. Replacements that refer to groups are
// never considered applied.
func alreadyApplied(content []byte, t *plan.TextTransform) bool {
	if t.Replacement == "" {
		return false
	}
	if t.Regexp && strings.Contains(t.Replacement, "$") {
		return false
	}
	return bytes.Contains(content, []byte(t.Replacement))
}
