package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const DefaultConfigFilename = "targets.yaml"

// default constants
const (
	DefaultPort           = 22
	DefaultConnectTimeout = 20 * time.Second
	DefaultKeepAlive      = 15 * time.Second
)

// HostKeyPolicy decides what happens when the target presents a host key
// that is not in known_hosts.
type HostKeyPolicy string

const (
	HostKeyStrict      HostKeyPolicy = "strict"
	HostKeyAcceptNew   HostKeyPolicy = "accept-new"
	HostKeyInteractive HostKeyPolicy = "interactive"
)

// Target is the single remote host a plan runs against.
type Target struct {
	Name           string          `json:"name"`
	Host           string          `json:"host"`
	Port           int             `json:"port,omitempty"`
	User           string          `json:"user"`
	Credential     CredentialRef   `json:"credential"`
	Passphrase     CredentialRef   `json:"passphrase,omitempty"`
	ConnectTimeout metav1.Duration `json:"connectTimeout,omitempty"`
	KeepAlive      metav1.Duration `json:"keepAlive,omitempty"`
	HostKeyPolicy  HostKeyPolicy   `json:"hostKeyPolicy,omitempty"`
	KnownHosts     string          `json:"knownHosts,omitempty"`
	Sudo           bool            `json:"sudo,omitempty"`
}

// Targets is the content of a targets file.
type Targets struct {
	Targets []*Target `json:"targets"`
}

// ParseTargetsFromFile reads a YAML or JSON targets file, applies defaults
// and validates every entry.
func ParseTargetsFromFile(path string) ([]*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file failed: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets parses targets from YAML or JSON bytes.
func ParseTargets(data []byte) ([]*Target, error) {
	var doc Targets
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal targets failed: %w", err)
	}

	seen := make(map[string]bool, len(doc.Targets))
	for i, t := range doc.Targets {
		if t == nil {
			return nil, fmt.Errorf("target %d is empty", i)
		}
		t.ApplyDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("target %d (%s): %w", i, t.Name, err)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return doc.Targets, nil
}

// ApplyDefaults fills zero-valued fields.
func (t *Target) ApplyDefaults() {
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	if t.ConnectTimeout.Duration == 0 {
		t.ConnectTimeout.Duration = DefaultConnectTimeout
	}
	if t.KeepAlive.Duration == 0 {
		t.KeepAlive.Duration = DefaultKeepAlive
	}
	if t.HostKeyPolicy == "" {
		t.HostKeyPolicy = HostKeyStrict
	}
	if t.Name == "" {
		t.Name = t.Host
	}
}

// Validate checks that the target can be dialled.
func (t *Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("host is required")
	}
	if t.User == "" {
		return fmt.Errorf("user is required")
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("invalid port %d", t.Port)
	}
	if err := t.Credential.Validate(); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if t.Passphrase != "" {
		if err := t.Passphrase.Validate(); err != nil {
			return fmt.Errorf("passphrase: %w", err)
		}
	}
	switch t.HostKeyPolicy {
	case HostKeyStrict, HostKeyAcceptNew, HostKeyInteractive:
	default:
		return fmt.Errorf("unknown host key policy %q", t.HostKeyPolicy)
	}
	return nil
}

// Address returns host:port.
func (t *Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// String never includes the credential.
func (t *Target) String() string {
	return fmt.Sprintf("%s (%s@%s)", t.Name, t.User, t.Address())
}

// Lookup returns the target with the given name.
func Lookup(targets []*Target, name string) (*Target, error) {
	for _, t := range targets {
		if t.Name == name {
			return t, nil
		}
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return nil, fmt.Errorf("target %q not found, known targets: %s", name, strings.Join(names, ", "))
}
