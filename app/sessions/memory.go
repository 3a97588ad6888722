package sessions

import (
	"context"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"github.com/pkg/errors"
)

// Memory is in-process Cache implementation
type Memory struct {
	lock  sync.Mutex
	store cache.Cache
}

// NewMemory makes in-memory cache with default ttl used when Put called with zero ttl
func NewMemory(defaultTTL time.Duration) (*Memory, error) {
	opts := []cache.Option{}
	if defaultTTL > 0 {
		opts = append(opts, cache.TTL(defaultTTL))
	}
	c, err := cache.NewCache(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to make session cache")
	}
	return &Memory{store: c}, nil
}

// Put stores value with ttl
func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		return errors.Errorf("negative ttl %v for key %s", ttl, key)
	}
	m.lock.Lock()
	m.store.Set(key, value, ttl)
	m.lock.Unlock()
	return nil
}

// Get returns value of live key
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.get(key)
}

// Invalidate removes key
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.lock.Lock()
	m.store.Invalidate(key)
	m.lock.Unlock()
	return nil
}

// Consume returns value and removes key under the same lock
func (m *Memory) Consume(_ context.Context, key string) (string, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, ok, err := m.get(key)
	m.store.Invalidate(key)
	return v, ok, err
}

// DeleteExpired purges expired keys
func (m *Memory) DeleteExpired(_ context.Context) error {
	m.lock.Lock()
	m.store.DeleteExpired()
	m.lock.Unlock()
	return nil
}

// Len returns number of stored keys, expired but not purged keys included
func (m *Memory) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.Len()
}

// Close purges cache
func (m *Memory) Close() error {
	m.lock.Lock()
	m.store.Purge()
	m.lock.Unlock()
	return nil
}

func (m *Memory) get(key string) (string, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, errors.Errorf("unexpected value type %T for key %s", v, key)
	}
	return s, true, nil
}
