// Package artifact encodes content for the wire and fingerprints it.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const digestPrefix = "sha256:"

// Digest is a content-addressed fingerprint in the form "sha256:<hex>".
type Digest string

// Hash returns the digest of b.
func Hash(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(digestPrefix + hex.EncodeToString(sum[:]))
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	s := strings.TrimPrefix(string(d), digestPrefix)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Matches reports whether b hashes to d.
func (d Digest) Matches(b []byte) bool {
	return d != "" && Hash(b) == d
}

// Encode returns a text-safe form of b that survives shell quoting and
// line-oriented channels.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode reverses Encode. Whitespace, including the line wrapping added by
// the remote base64 tool, is ignored.
func Decode(s string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(s), "")
	b, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode wire content: %w", err)
	}
	return b, nil
}

// Verify compares the digest of got against want.
func Verify(want Digest, got []byte) error {
	if h := Hash(got); h != want {
		return fmt.Errorf("digest mismatch: want %s, got %s", want.Short(), h.Short())
	}
	return nil
}

// Equal reports whether two contents are byte-identical.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
