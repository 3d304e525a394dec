// Package redis provides the leader lock that keeps a single scheduler
// firing when several dagflow processes share one store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultLeaderKey = "dagflow:scheduler:leader"

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// LeaderLock is a TTL lease held under one key. The holder must call Acquire
// again before the TTL lapses to keep it.
type LeaderLock struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func NewLeaderLock(client redis.UniversalClient, key, owner string, ttl time.Duration) *LeaderLock {
	if key == "" {
		key = DefaultLeaderKey
	}
	return &LeaderLock{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lease if it is free or renews it if owner already holds
// it. It reports whether owner is the leader afterwards.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election setnx %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Release gives the lease up if owner holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release %s: %w", l.key, err)
	}
	return nil
}

func (l *LeaderLock) Owner() string { return l.owner }
