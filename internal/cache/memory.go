package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache. Expiry is enforced lazily on access,
// so an expired counter behaves exactly like an absent one.
type Memory struct {
	mu        sync.Mutex
	items     map[string]memoryItem
	connected bool
}

type memoryItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// NewMemory creates an in-memory cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.items = make(map[string]memoryItem)
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		delete(m.items, key)
		return "", ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = memoryItem{value: value, expiresAt: expiry(expiration)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	if it, ok := m.items[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	m.items[key] = memoryItem{value: value, expiresAt: expiry(expiration)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}

	now := time.Now()
	it, ok := m.items[key]
	if !ok || it.expired(now) {
		m.items[key] = memoryItem{value: strconv.FormatInt(amount, 10), expiresAt: expiry(ttl)}
		return amount, nil
	}

	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n += amount
	it.value = strconv.FormatInt(n, 10)
	m.items[key] = it
	return n, nil
}

func expiry(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
