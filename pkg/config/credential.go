package config

import (
	"fmt"
	"strings"
)

// Credential schemes.
const (
	SchemeEnv     = "env"
	SchemeKeyring = "keyring"
	SchemeKey     = "key"
)

// CredentialRef points at a secret without containing it, e.g.
// "env:APP_SSH_PASSWORD", "keyring:remote-patcher/app-vps" or
// "key:~/.ssh/id_ed25519".
type CredentialRef string

// Scheme returns the part before the first colon.
func (c CredentialRef) Scheme() string {
	scheme, _, _ := strings.Cut(string(c), ":")
	return scheme
}

// Value returns the part after the first colon.
func (c CredentialRef) Value() string {
	_, v, _ := strings.Cut(string(c), ":")
	return v
}

// Validate checks the scheme and that a value follows it.
func (c CredentialRef) Validate() error {
	scheme, v, ok := strings.Cut(string(c), ":")
	if !ok || v == "" {
		return fmt.Errorf("expected <scheme>:<value>, got %s", c.Redacted())
	}
	switch scheme {
	case SchemeEnv, SchemeKey:
		return nil
	case SchemeKeyring:
		if service, account, ok := strings.Cut(v, "/"); !ok || service == "" || account == "" {
			return fmt.Errorf("keyring reference must be keyring:<service>/<account>")
		}
		return nil
	default:
		return fmt.Errorf("unsupported credential scheme %q", scheme)
	}
}

// Redacted keeps the scheme and hides the value.
func (c CredentialRef) Redacted() string {
	if c == "" {
		return ""
	}
	scheme, _, ok := strings.Cut(string(c), ":")
	if !ok {
		return "***"
	}
	return scheme + ":***"
}

// String implements fmt.Stringer so the reference cannot leak through %v.
func (c CredentialRef) String() string {
	return c.Redacted()
}
