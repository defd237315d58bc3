package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// Pool is the ordered shard set injected at startup. Its order is part of the
// placement function, so reordering shards in configuration moves data.
type Pool struct {
	shards []Store
	byName map[string]Store
}

// NewPool builds a pool over shards in the given order.
func NewPool(shards ...Store) (*Pool, error) {
	if len(shards) == 0 {
		return nil, errors.New("at least one shard is required")
	}
	p := &Pool{
		shards: shards,
		byName: make(map[string]Store, len(shards)),
	}
	for _, s := range shards {
		if _, dup := p.byName[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate shard name %q", s.Name())
		}
		p.byName[s.Name()] = s
	}
	return p, nil
}

// OpenPool opens one shard per spec; shard i is named "kv<i>".
func OpenPool(specs []string) (*Pool, error) {
	shards := make([]Store, 0, len(specs))
	for i, spec := range specs {
		s, err := Open(fmt.Sprintf("kv%d", i), strings.TrimSpace(spec))
		if err != nil {
			for _, opened := range shards {
				opened.Close()
			}
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		shards = append(shards, s)
	}
	return NewPool(shards...)
}

// ForIndex places chunk index i round-robin over the shards.
func (p *Pool) ForIndex(i int) Store {
	if i < 0 {
		i = -i
	}
	return p.shards[i%len(p.shards)]
}

// ForKey places a record by hashing its key.
func (p *Pool) ForKey(key string) Store {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Shard looks a shard up by name.
func (p *Pool) Shard(name string) (Store, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// All returns the shards in placement order.
func (p *Pool) All() []Store {
	return p.shards
}

// Close closes every shard and returns the first error.
func (p *Pool) Close() error {
	var first error
	for _, s := range p.shards {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
