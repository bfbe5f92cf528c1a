// Package lock serializes mutations per request id.
//
// Two implementations are provided. KeyedMutex covers a single process. RedisLocker
// extends the guarantee across replicas that share a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired before the context ended or
// the locker's maximum wait elapsed.
var ErrTimeout = errors.New("lock: acquire timed out")

// Locker acquires an exclusive lock on key. The returned function releases it and is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and dropped once
// no goroutine holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	slots   map[string]*slot
	maxWait time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns a KeyedMutex whose waits are bounded only by the caller's context.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexWait(0)
}

// NewKeyedMutexWait bounds every Acquire by maxWait in addition to the caller's context.
// Zero disables the bound.
func NewKeyedMutexWait(maxWait time.Duration) *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot), maxWait: maxWait}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	if k.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.maxWait)
		defer cancel()
	}

	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, errors.Join(ErrTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// held returns the number of live entries; used by tests.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
