package ssh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vmware/remote-patcher/pkg/config"
)

// ErrHostKeyRejected marks every host key verification failure.
var ErrHostKeyRejected = errors.New("host key rejected")

// DefaultKnownHostsPath returns default user knows hosts file.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// Prompter asks the operator whether to trust an unknown host key.
type Prompter struct {
	In  io.Reader
	Out io.Writer
}

// HostKeyCallback returns the callback implementing policy against the
// known_hosts file at knownHostsPath. prompt is only used by the
// interactive policy.
func HostKeyCallback(policy config.HostKeyPolicy, knownHostsPath string, prompt Prompter) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		p, err := DefaultKnownHostsPath()
		if err != nil {
			return nil, err
		}
		knownHostsPath = p
	}
	switch policy {
	case config.HostKeyStrict, "":
		return StrictHostKeyCallback(knownHostsPath), nil
	case config.HostKeyAcceptNew:
		return AcceptNewHostKeyCallback(knownHostsPath)
	case config.HostKeyInteractive:
		return InteractiveHostKeyCallback(knownHostsPath, prompt)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// StrictHostKeyCallback only accepts hosts already present in known_hosts.
func StrictHostKeyCallback(knownHostsPath string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		known, keyErr, err := lookupHostKey(knownHostsPath, hostname, remote, key)
		switch {
		case err != nil:
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		case known:
			return nil
		case len(keyErr.Want) > 0:
			return fmt.Errorf("%w: %s presented %s, which does not match known_hosts", ErrHostKeyRejected, hostname, ssh.FingerprintSHA256(key))
		default:
			return fmt.Errorf("%w: %s is not in %s", ErrHostKeyRejected, hostname, knownHostsPath)
		}
	}
}

// AcceptNewHostKeyCallback records unknown hosts without asking and rejects
// hosts whose key changed.
func AcceptNewHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, fmt.Errorf("failed to ensure known_hosts file exists: %w", err)
	}
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		known, keyErr, err := lookupHostKey(knownHostsPath, hostname, remote, key)
		switch {
		case err != nil:
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		case known:
			return nil
		case len(keyErr.Want) > 0:
			return fmt.Errorf("%w: %s presented %s, which does not match known_hosts", ErrHostKeyRejected, hostname, ssh.FingerprintSHA256(key))
		}
		return addHostKeyToKnownHosts(hostname, remote, key, knownHostsPath)
	}, nil
}

// InteractiveHostKeyCallback prompts the operator when encountering an
// unknown host key and records it if accepted. Known hosts are validated
// without prompting. A changed key is always rejected.
func InteractiveHostKeyCallback(knownHostsPath string, prompt Prompter) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, fmt.Errorf("failed to ensure known_hosts file exists: %w", err)
	}
	if prompt.In == nil {
		prompt.In = os.Stdin
	}
	if prompt.Out == nil {
		prompt.Out = os.Stdout
	}
	in := bufio.NewReader(prompt.In)

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		known, keyErr, err := lookupHostKey(knownHostsPath, hostname, remote, key)
		switch {
		case err != nil:
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		case known:
			return nil
		case len(keyErr.Want) > 0:
			fmt.Fprintf(prompt.Out, "WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED for '%s'.\n", hostname)
			return fmt.Errorf("%w: %s presented %s, which does not match known_hosts", ErrHostKeyRejected, hostname, ssh.FingerprintSHA256(key))
		}
		return promptAndAddHostKey(in, prompt.Out, hostname, remote, key, knownHostsPath)
	}, nil
}

// lookupHostKey reports whether key is the recorded key for hostname. For an
// unrecorded host keyErr is non-nil and keyErr.Want lists conflicting keys.
func lookupHostKey(knownHostsPath, hostname string, remote net.Addr, key ssh.PublicKey) (bool, *knownhosts.KeyError, error) {
	if _, err := os.Stat(knownHostsPath); errors.Is(err, os.ErrNotExist) {
		return false, &knownhosts.KeyError{}, nil
	}
	// Reloaded on every call so keys added by an earlier connection count.
	check, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return false, nil, fmt.Errorf("load %s: %w", knownHostsPath, err)
	}

	lookupHostname := hostname
	if tcpAddr, ok := remote.(*net.TCPAddr); ok && !strings.Contains(hostname, ":") {
		lookupHostname = net.JoinHostPort(hostname, fmt.Sprint(tcpAddr.Port))
	}

	err = check(lookupHostname, remote, key)
	if err == nil {
		return true, nil, nil
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false, keyErr, nil
	}
	return false, nil, err
}

func promptAndAddHostKey(in *bufio.Reader, out io.Writer, hostname string, remote net.Addr, key ssh.PublicKey, knownHostsPath string) error {
	fingerprint := ssh.FingerprintSHA256(key)

	fmt.Fprintf(out, "\nThe authenticity of host '%s (%s)' can't be established.\n", hostname, remote.String())
	fmt.Fprintf(out, "%s key fingerprint is %s.\n", key.Type(), fingerprint)
	fmt.Fprintf(out, "Are you sure you want to continue connecting (yes/no/[fingerprint])? ")

	response, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && response != "") {
		return fmt.Errorf("%w: failed to read user input: %v", ErrHostKeyRejected, err)
	}
	response = strings.TrimSpace(response)
	if r := strings.ToLower(response); r != "yes" && r != "y" && response != fingerprint {
		return fmt.Errorf("%w: host key verification cancelled by user", ErrHostKeyRejected)
	}

	if err := addHostKeyToKnownHosts(hostname, remote, key, knownHostsPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Warning: Permanently added '%s' (%s) to the list of known hosts.\n", hostname, key.Type())
	return nil
}

// addHostKeyToKnownHosts appends one line covering hostname and the remote IP.
func addHostKeyToKnownHosts(hostname string, remote net.Addr, key ssh.PublicKey, knownHostsPath string) error {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return err
	}
	file, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	addresses := []string{hostname}
	if tcpAddr, ok := remote.(*net.TCPAddr); ok {
		ip := tcpAddr.IP.String()
		if tcpAddr.Port != DefaultPort {
			ip = net.JoinHostPort(ip, fmt.Sprint(tcpAddr.Port))
		}
		if ip != hostname {
			addresses = append(addresses, ip)
		}
	}

	if _, err := file.WriteString(knownhosts.Line(addresses, key) + "\n"); err != nil {
		return fmt.Errorf("failed to write to known_hosts file: %w", err)
	}
	return nil
}

// ensureKnownHostsFile ensures the known_hosts file and its directory exist.
func ensureKnownHostsFile(knownHostsPath string) error {
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0o700); err != nil {
		return fmt.Errorf("failed to create .ssh directory: %w", err)
	}
	if _, err := os.Stat(knownHostsPath); errors.Is(err, os.ErrNotExist) {
		file, err := os.OpenFile(knownHostsPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create known_hosts file: %w", err)
		}
		file.Close()
	}
	return nil
}
