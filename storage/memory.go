package storage

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the reference backend: a map behind one exclusive mutex.
// Correct but deliberately unscalable; production deployments should back
// the engine with a store offering per-key atomicity. Expired entries are
// removed lazily on read, with an optional janitor goroutine for hygiene.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	nowFunc func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type MemoryStoreOption func(*MemoryStore)

// WithNowFunc sets the clock used for TTL decisions (primarily for testing).
func WithNowFunc(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.nowFunc = now
	}
}

// WithJanitorInterval starts a background sweep removing expired entries
// every interval. Stop it with Close.
func WithJanitorInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval <= 0 {
			return
		}
		go s.janitor(interval)
	}
}

func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]entry),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: value, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) GetDelete(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	delete(s.entries, key)
	return e.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = s.deadline(ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return TTLNone, nil
	}
	return e.expiresAt.Sub(s.nowFunc()), nil
}

// Cleanup removes every expired entry and reports how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Close stops the janitor goroutine, if one was started.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// live returns the entry under key, expiring it lazily. Callers must hold mu.
func (s *MemoryStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.nowFunc().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowFunc().Add(ttl)
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.done:
			return
		}
	}
}
