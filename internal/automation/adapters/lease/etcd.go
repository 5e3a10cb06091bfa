package lease

import (
	"context"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLease stores the lock as a key bound to an etcd lease, so it vanishes
// when the TTL runs out even if the holder never releases it.
type EtcdLease struct {
	client *clientv3.Client
}

func NewEtcdLease(endpoints []string, dialTimeout time.Duration) (*EtcdLease, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &EtcdLease{client: client}, nil
}

func (l *EtcdLease) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	grant, err := l.client.Grant(ctx, seconds)
	if err != nil {
		return false, fmt.Errorf("etcd lease grant: %w", err)
	}

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = l.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return false, fmt.Errorf("etcd lease acquire %s: %w", key, err)
	}
	if !resp.Succeeded {
		_, _ = l.client.Revoke(ctx, grant.ID)
		return false, nil
	}
	return true, nil
}

func (l *EtcdLease) ReleaseIfOwned(ctx context.Context, key, token string) (bool, error) {
	current, err := l.client.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("etcd lease read %s: %w", key, err)
	}
	if len(current.Kvs) == 0 || string(current.Kvs[0].Value) != token {
		return false, nil
	}
	kv := current.Kvs[0]

	resp, err := l.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.Value(key), "=", token),
			clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision),
		).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd lease release %s: %w", key, err)
	}
	if resp.Succeeded && kv.Lease != 0 {
		_, _ = l.client.Revoke(ctx, clientv3.LeaseID(kv.Lease))
	}
	return resp.Succeeded, nil
}

func (l *EtcdLease) Close() error {
	return l.client.Close()
}
