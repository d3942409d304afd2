package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemProvider keeps every store in memory.
// Stores survive for as long as the provider does.
type MemProvider struct {
	mutex  *sync.RWMutex
	stores map[string]*MemStore
	closed bool
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*MemStore),
	}
}

func (p *MemProvider) Open(_ context.Context, name string) (Store, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s, ok := p.stores[name]
	if !ok {
		s = &MemStore{
			mutex: &sync.RWMutex{},
			db:    make(map[string]CacheEntry),
		}
		p.stores[name] = s
	}
	return s, nil
}

func (p *MemProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	return nil
}

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]CacheEntry
}

func (m *MemStore) All(_ context.Context, prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, e := range m.db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, copyEntry(e))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.Bytes...), true, nil
}

func (m *MemStore) Put(_ context.Context, ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[ce.Key] = copyEntry(ce)
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.db[key]
	delete(m.db, key)
	return ok, nil
}

func (m *MemStore) Keys(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// copyEntry detaches the byte slice so callers cannot mutate stored data.
func copyEntry(ce CacheEntry) CacheEntry {
	ce.Bytes = append([]byte(nil), ce.Bytes...)
	return ce
}
