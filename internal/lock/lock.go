package redlock

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

// TransactionKey is the lock key guarding link writes on one transaction.
func TransactionKey(transactionID string) string {
	return fmt.Sprintf("tally:lock:transaction:%s", transactionID)
}

type Locker struct {
	client redis.UniversalClient
	key    string
	value  string // Used for ensuring that only the lock holder can unlock the lock
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lock for key %s is already held", l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

// WaitLock retries Lock with jitter until it succeeds, the wait timeout passes or
// the context is done.
func (l *Locker) WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Lock(ctx, lockTimeout)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Intn(100)) * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to acquire lock for key %s within the wait timeout", l.key)
}

// MultiLocker holds several keys at once. Keys are acquired in sorted order so two
// holders asking for overlapping sets cannot deadlock.
type MultiLocker struct {
	lockers []*Locker
	held    []*Locker
}

func NewMultiLocker(client redis.UniversalClient, keys []string, value string) *MultiLocker {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	m := &MultiLocker{}
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		m.lockers = append(m.lockers, NewLocker(client, key, value))
	}
	return m
}

// WaitLock acquires every key or none. Keys taken before a failure are released.
func (m *MultiLocker) WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error {
	for _, locker := range m.lockers {
		if err := locker.WaitLock(ctx, lockTimeout, waitTimeout); err != nil {
			_ = m.Unlock(ctx)
			return err
		}
		m.held = append(m.held, locker)
	}
	return nil
}

// Unlock releases held keys in reverse order and returns the first failure.
func (m *MultiLocker) Unlock(ctx context.Context) error {
	var firstErr error
	for i := len(m.held) - 1; i >= 0; i-- {
		if err := m.held[i].Unlock(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.held = nil
	return firstErr
}
