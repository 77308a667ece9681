package step

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/vmware/remote-patcher/pkg/artifact"
	"github.com/vmware/remote-patcher/pkg/failure"
	"github.com/vmware/remote-patcher/pkg/plan"
	"github.com/vmware/remote-patcher/pkg/report"
	"github.com/vmware/remote-patcher/pkg/rollback"
)

const defaultKVDialTimeout = 5 * time.Second

// KV is the key-value store a kvPut step mutates.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// KVDialer connects to the store named by a kvPut step.
type KVDialer interface {
	DialKV(ctx context.Context, sess Session, kvp *plan.KeyValuePut) (KV, error)
}

// EtcdDialer connects to etcd with gRPC connections tunnelled through the
// session, so the endpoints are addresses as seen from the target.
type EtcdDialer struct{}

func (EtcdDialer) DialKV(ctx context.Context, sess Session, kvp *plan.KeyValuePut) (KV, error) {
	tlsConfig, err := loadTLS(ctx, sess, kvp)
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(kvp.Endpoints))
	for _, ep := range kvp.Endpoints {
		endpoints = append(endpoints, plan.EndpointAddress(ep))
	}
	dialTimeout := kvp.DialTimeout.Duration
	if dialTimeout <= 0 {
		dialTimeout = defaultKVDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		TLS:         tlsConfig,
		Logger:      zap.NewNop(),
		Context:     ctx,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
				return sess.DialContext(ctx, "tcp", addr)
			}),
		},
	})
	if err != nil {
		return nil, failure.Wrap(failure.Connection, err, "connect etcd %v", kvp.Endpoints)
	}
	return &etcdKV{client: cli}, nil
}

// loadTLS reads the client certificates from the target.
func loadTLS(ctx context.Context, sess Session, kvp *plan.KeyValuePut) (*tls.Config, error) {
	secure := false
	for _, ep := range kvp.Endpoints {
		if strings.HasPrefix(ep, "https://") {
			secure = true
		}
	}
	if kvp.TLS == nil {
		if secure {
			return &tls.Config{MinVersion: tls.VersionTLS12}, nil
		}
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: kvp.TLS.ServerName}
	if kvp.TLS.CA != "" {
		ca, err := sess.Read(ctx, kvp.TLS.CA)
		if err != nil {
			return nil, failure.Wrap(failure.Precondition, err, "etcd ca")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca.Data) {
			return nil, failure.New(failure.Precondition, "etcd ca %s: no certificates found", kvp.TLS.CA)
		}
		cfg.RootCAs = pool
	}
	if kvp.TLS.Cert != "" {
		cert, err := sess.Read(ctx, kvp.TLS.Cert)
		if err != nil {
			return nil, failure.Wrap(failure.Precondition, err, "etcd client cert")
		}
		key, err := sess.Read(ctx, kvp.TLS.Key)
		if err != nil {
			return nil, failure.Wrap(failure.Precondition, err, "etcd client key")
		}
		pair, err := tls.X509KeyPair(cert.Data, key.Data)
		if err != nil {
			return nil, failure.Wrap(failure.Precondition, err, "etcd client key pair")
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

type etcdKV struct {
	client *clientv3.Client
}

func (k *etcdKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := k.client.Get(ctx, key)
	if err != nil {
		return nil, false, kvError(ctx, err, "get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (k *etcdKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := k.client.Put(ctx, key, string(value)); err != nil {
		return kvError(ctx, err, "put %s", key)
	}
	return nil
}

func (k *etcdKV) Delete(ctx context.Context, key string) error {
	if _, err := k.client.Delete(ctx, key); err != nil {
		return kvError(ctx, err, "delete %s", key)
	}
	return nil
}

func (k *etcdKV) Close() error {
	return k.client.Close()
}

func kvError(ctx context.Context, err error, format string, args ...any) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure.Wrap(failure.Timeout, err, format, args...)
	case errors.Is(err, context.Canceled):
		return failure.Wrap(failure.Cancelled, err, format, args...)
	case errors.Is(err, rpctypes.ErrPermissionDenied), errors.Is(err, rpctypes.ErrAuthFailed),
		errors.Is(err, rpctypes.ErrInvalidAuthToken):
		return failure.Wrap(failure.Auth, err, format, args...)
	default:
		return failure.Wrap(failure.Exec, err, format, args...)
	}
}

func kvPut(ctx context.Context, env *Env, s *plan.Step, rec *report.ExecutionRecord) (*rollback.Action, error) {
	kvp := s.KVPut
	if env.KV == nil {
		return nil, failure.New(failure.Precondition, "no key-value dialer configured")
	}
	rec.Path = kvp.Key

	kv, err := env.KV.DialKV(ctx, env.Session, kvp)
	if err != nil {
		return nil, err
	}
	defer kv.Close()

	old, found, err := kv.Get(ctx, kvp.Key)
	if err != nil {
		return nil, err
	}
	want := []byte(kvp.Value)
	if found {
		rec.HashBefore = artifact.Hash(old)
		if artifact.Equal(old, want) {
			rec.HashAfter = rec.HashBefore
			rec.NoOp = true
			return nil, nil
		}
	}

	if err := kv.Put(ctx, kvp.Key, want); err != nil {
		return nil, err
	}
	action := kvInverse(env, kvp, old, found)

	got, ok, err := kv.Get(ctx, kvp.Key)
	if err != nil {
		return action, err
	}
	if !ok {
		return action, failure.New(failure.Verification, "key %s missing after put", kvp.Key)
	}
	rec.HashAfter = artifact.Hash(got)
	if err := artifact.Verify(artifact.Hash(want), got); err != nil {
		return action, failure.Wrap(failure.Verification, err, "verify key %s", kvp.Key)
	}
	return action, nil
}

func kvInverse(env *Env, kvp *plan.KeyValuePut, old []byte, found bool) *rollback.Action {
	if !found {
		return &rollback.Action{
			RollbackAction: report.RollbackAction{Kind: report.DeleteKey, Key: kvp.Key},
			Undo: func(ctx context.Context) error {
				kv, err := env.KV.DialKV(ctx, env.Session, kvp)
				if err != nil {
					return err
				}
				defer kv.Close()
				return kv.Delete(ctx, kvp.Key)
			},
		}
	}
	old = append([]byte(nil), old...)
	return &rollback.Action{
		RollbackAction: report.RollbackAction{
			Kind:         report.RestoreKey,
			Key:          kvp.Key,
			PreImageHash: artifact.Hash(old),
			PreImage:     artifact.Encode(old),
		},
		Undo: func(ctx context.Context) error {
			kv, err := env.KV.DialKV(ctx, env.Session, kvp)
			if err != nil {
				return err
			}
			defer kv.Close()
			return kv.Put(ctx, kvp.Key, old)
		},
	}
}
