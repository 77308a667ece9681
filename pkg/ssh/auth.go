package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"

	"github.com/vmware/remote-patcher/pkg/config"
)

// Auth represents ssh auth methods.
type Auth []ssh.AuthMethod

func configureAuth(password, privateKeyFile, passphrase string) (Auth, error) {
	if password != "" {
		return Password(password), nil
	} else if privateKeyFile != "" {
		return PrivateKey(privateKeyFile, passphrase)
	}
	return nil, fmt.Errorf("no private key/password found to configure SSH auth")
}

// Password returns password auth method.
func Password(pass string) Auth {
	return Auth{
		ssh.Password(pass),
	}
}

// PrivateKey returns auth method from private key with or without passphrase.
func PrivateKey(prvFile string, passphrase string) (Auth, error) {
	signer, err := getSigner(prvFile, passphrase)
	if err != nil {
		return nil, err
	}
	return Auth{
		ssh.PublicKeys(signer),
	}, nil
}

// getSigner returns ssh signer from private key file.
func getSigner(prvFile string, passphrase string) (ssh.Signer, error) {
	privateKey, err := os.ReadFile(prvFile)
	if err != nil {
		return nil, fmt.Errorf("could not read private key: %w", err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(privateKey)
}

// applyCredentials resolves the target's credential references into cfg.
// Secrets only ever live in cfg, never in logs or errors.
func applyCredentials(cfg *Config, target *config.Target) error {
	ref := target.Credential
	switch ref.Scheme() {
	case config.SchemeEnv, config.SchemeKeyring:
		secret, err := resolveSecret(ref)
		if err != nil {
			return err
		}
		cfg.Password = secret
	case config.SchemeKey:
		cfg.PrivateKeyPath = expandHome(ref.Value())
		if target.Passphrase != "" {
			secret, err := resolveSecret(target.Passphrase)
			if err != nil {
				return fmt.Errorf("passphrase: %w", err)
			}
			cfg.PrivateKeyPassphrase = secret
		}
	default:
		return fmt.Errorf("unsupported credential %s", ref.Redacted())
	}
	return nil
}

// resolveSecret looks up a password-like secret.
func resolveSecret(ref config.CredentialRef) (string, error) {
	switch ref.Scheme() {
	case config.SchemeEnv:
		v, ok := os.LookupEnv(ref.Value())
		if !ok || v == "" {
			return "", fmt.Errorf("environment variable %s is not set", ref.Value())
		}
		return v, nil
	case config.SchemeKeyring:
		service, account, _ := strings.Cut(ref.Value(), "/")
		v, err := keyring.Get(service, account)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no keyring entry for service %q account %q", service, account)
		}
		if err != nil {
			return "", fmt.Errorf("keyring lookup failed: %w", err)
		}
		return v, nil
	default:
		return "", fmt.Errorf("credential %s does not reference a secret", ref.Redacted())
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
