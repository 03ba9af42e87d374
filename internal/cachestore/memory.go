// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxSize is the entry bound of the in-memory store when the
// caller does not supply one.
const DefaultMaxSize = 1000

// Memory is the default Store: an insertion-ordered map with per-entry
// TTL. When a new key would exceed maxSize, the oldest-inserted entry is
// evicted first (FIFO). Updating an existing key keeps its insertion
// position and never evicts. Expired entries are purged lazily on read.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // of *memoryEntry, front = oldest insertion
	now     func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store bounded to maxSize entries. Sizes
// below one are clamped to one; zero selects DefaultMaxSize.
func NewMemory(maxSize int) *Memory {
	switch {
	case maxSize == 0:
		maxSize = DefaultMaxSize
	case maxSize < 1:
		maxSize = 1
	}
	return &Memory{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get implements [Store.Get].
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if !e.expiresAt.After(m.now()) {
		m.remove(el)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements [Store.Set].
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt := m.now().Add(ttl)
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.value = value
		e.expiresAt = expiresAt
		return nil
	}
	if m.order.Len() >= m.maxSize {
		m.remove(m.order.Front())
	}
	m.entries[key] = m.order.PushBack(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

// Delete implements [Store.Delete].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.remove(el)
	}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) remove(el *list.Element) {
	delete(m.entries, el.Value.(*memoryEntry).key)
	m.order.Remove(el)
}
