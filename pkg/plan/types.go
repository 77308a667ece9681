package plan

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// OccurrenceMode says how many matches a text transform expects.
type OccurrenceMode string

const (
	OccurrenceFirst   OccurrenceMode = "first"
	OccurrenceAll     OccurrenceMode = "all"
	OccurrenceExactly OccurrenceMode = "exactly"
)

// Occurrence is written as "first", "all" or "exactly:N". Empty means
// exactly:1.
type Occurrence string

// OccurrencePolicy is the parsed form of an Occurrence.
type OccurrencePolicy struct {
	Mode  OccurrenceMode
	Count int
}

func (o OccurrencePolicy) String() string {
	if o.Mode == OccurrenceExactly {
		return fmt.Sprintf("exactly:%d", o.Count)
	}
	return string(o.Mode)
}

// Policy parses o.
func (o Occurrence) Policy() (OccurrencePolicy, error) {
	return ParseOccurrence(string(o))
}

// ParseOccurrence parses the textual form.
func ParseOccurrence(s string) (OccurrencePolicy, error) {
	switch s {
	case "":
		return OccurrencePolicy{Mode: OccurrenceExactly, Count: 1}, nil
	case string(OccurrenceFirst):
		return OccurrencePolicy{Mode: OccurrenceFirst}, nil
	case string(OccurrenceAll):
		return OccurrencePolicy{Mode: OccurrenceAll}, nil
	}
	n, ok := strings.CutPrefix(s, string(OccurrenceExactly)+":")
	if !ok {
		return OccurrencePolicy{}, fmt.Errorf("invalid occurrence %q, expected first, all or exactly:N", s)
	}
	count, err := strconv.Atoi(n)
	if err != nil || count < 1 {
		return OccurrencePolicy{}, fmt.Errorf("invalid occurrence count %q", n)
	}
	return OccurrencePolicy{Mode: OccurrenceExactly, Count: count}, nil
}

// FileMode holds permission bits. It is written as an octal string
// ("0644") or a number; YAML octal literals arrive as numbers.
type FileMode fs.FileMode

// Perm returns the permission bits.
func (m FileMode) Perm() fs.FileMode {
	return fs.FileMode(m).Perm()
}

func (m FileMode) String() string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

func (m FileMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *FileMode) UnmarshalJSON(data []byte) error {
	var n uint32
	if err := json.Unmarshal(data, &n); err == nil {
		if n > 0o7777 {
			return fmt.Errorf("file mode %d out of range", n)
		}
		*m = FileMode(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("file mode must be an octal string or a number")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return fmt.Errorf("invalid file mode %q", s)
	}
	*m = FileMode(v)
	return nil
}
