// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// SubmissionCounter counts how many times a bundle was sent, shared between processes using the same signer
type SubmissionCounter struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewSubmissionCounter(client *redis.Client, expireDuration time.Duration, keyPrefix string) *SubmissionCounter {
	return &SubmissionCounter{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *SubmissionCounter) key(signer common.Address, bundleHash common.Hash) string {
	return r.keyPrefix + signer.Hex() + bundleHash.Hex()
}

func (r *SubmissionCounter) IncSubmissions(ctx context.Context, signer common.Address, bundleHash common.Hash) (uint64, error) {
	key := r.key(signer, bundleHash)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// the counter is still correct without the expiry, the key just lives longer
	_ = r.client.Expire(ctx, key, r.expireDuration).Err()
	return uint64(count), nil
}

// GetSubmissions returns 0 for bundles that were never counted
func (r *SubmissionCounter) GetSubmissions(ctx context.Context, signer common.Address, bundleHash common.Hash) (uint64, error) {
	count, err := r.client.Get(ctx, r.key(signer, bundleHash)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// DeleteAll deletes all the keys with the counter prefix. It can be very slow and should only be used for testing.
func (r *SubmissionCounter) DeleteAll(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
