package processor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Claimer hands out short-lived exclusive claims. *infrastructure.Cache
// implements it on Redis so that processors in different processes never
// work on the same entry.
type Claimer interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

func claimKey(id uint) string {
	return "rawlog:claim:" + strconv.FormatUint(uint64(id), 10)
}

type localClaim struct {
	owner   string
	expires time.Time
}

// LocalClaimer is an in-process Claimer for single-instance deployments.
// Claims are held in an expiring LRU, so none outlives maxTTL.
type LocalClaimer struct {
	mu     sync.Mutex
	claims *expirable.LRU[string, localClaim]
}

func NewLocalClaimer(maxTTL time.Duration) *LocalClaimer {
	return &LocalClaimer{claims: expirable.NewLRU[string, localClaim](0, nil, maxTTL)}
}

func (c *LocalClaimer) Claim(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if cur, ok := c.claims.Peek(key); ok && now.Before(cur.expires) {
		return false, nil
	}
	c.claims.Add(key, localClaim{owner: owner, expires: now.Add(ttl)})
	return true, nil
}

func (c *LocalClaimer) Release(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.claims.Peek(key); ok && cur.owner == owner {
		c.claims.Remove(key)
	}
	return nil
}

// keyedMutex serializes work per node.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*refMutex)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key uint) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
