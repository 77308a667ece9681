package ssh

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vmware/remote-patcher/pkg/config"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/session"
)

// Dialer opens SSH transports for targets.
type Dialer struct {
	Logger zerolog.Logger
	// Prompt serves the interactive host key policy.
	Prompt Prompter
}

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context, target *config.Target) (session.Transport, error) {
	cfg := &Config{
		User:      target.User,
		Host:      target.Host,
		Port:      target.Port,
		Timeout:   target.ConnectTimeout.Duration,
		KeepAlive: target.KeepAlive.Duration,
		Sudo:      target.Sudo,
		Logger:    d.Logger.With().Str("target", target.Name).Logger(),
	}
	if err := applyCredentials(cfg, target); err != nil {
		return nil, failure.Wrap(failure.Auth, err, "resolve credential %s", target.Credential.Redacted())
	}
	cb, err := HostKeyCallback(target.HostKeyPolicy, target.KnownHosts, d.Prompt)
	if err != nil {
		return nil, failure.Wrap(failure.Connection, err, "configure host key verification")
	}
	cfg.SetHostKeyCallback(cb)

	c, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
