package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
)

type memoryRecord struct {
	value []byte
	meta  map[string]string
}

// MemoryStore is a process-local shard, used in development mode and tests.
type MemoryStore struct {
	name string
	mu   sync.RWMutex
	data map[string]memoryRecord
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, data: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Name() string {
	return s.name
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.value...), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = memoryRecord{
		value: append([]byte(nil), value...),
		meta:  maps.Clone(meta),
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for k := range s.data {
		if strings.HasPrefix(k, opts.Prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	if opts.Limit > 0 && len(names) > opts.Limit {
		names = names[:opts.Limit]
	}

	keys := make([]KeyInfo, 0, len(names))
	for _, n := range names {
		meta := maps.Clone(s.data[n].meta)
		if meta == nil {
			meta = map[string]string{}
		}
		keys = append(keys, KeyInfo{Name: n, Metadata: meta})
	}
	return keys, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
