// Package rediskv stores sessions in Redis, so several gateway replicas can
// share logins.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"lds.li/weblategate/session"
)

var _ session.KV = (*KV)(nil)

const DefaultPrefix = "weblategate:session:"

type KV struct {
	client redis.UniversalClient
	prefix string
}

type Opts struct {
	// Prefix is prepended to every key. Defaults to DefaultPrefix.
	Prefix string
}

func New(client redis.UniversalClient, opts *Opts) *KV {
	k := &KV{client: client, prefix: DefaultPrefix}
	if opts != nil && opts.Prefix != "" {
		k.prefix = opts.Prefix
	}
	return k
}

// NewFromURL connects using a redis:// URL.
func NewFromURL(url string, opts *Opts) (*KV, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return New(redis.NewClient(o), opts), nil
}

// Ping checks the server is reachable.
func (k *KV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

func (k *KV) Get(ctx context.Context, key string) (_ []byte, found bool, _ error) {
	b, err := k.client.Get(ctx, k.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return b, true, nil
}

func (k *KV) Set(ctx context.Context, key string, expiresAt time.Time, value []byte) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return k.Delete(ctx, key)
	}
	if err := k.client.Set(ctx, k.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (k *KV) Close() error {
	return k.client.Close()
}
