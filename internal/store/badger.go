package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	valuePrefix = "v/"
	metaPrefix  = "m/"
)

// BadgerStore implements Store on an embedded BadgerDB. Values and their
// metadata live in two key spaces and are always written in the same txn.
type BadgerStore struct {
	name string
	db   *badger.DB
}

// NewBadgerStore opens (or creates) a Badger shard in dir. An empty dir opens
// an in-memory database.
func NewBadgerStore(name, dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{name: name, db: db}, nil
}

func (s *BadgerStore) Name() string {
	return s.name
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(valuePrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(valuePrefix+key), value); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+key), []byte(metaJSON))
	})
}

// List walks the metadata key space, which mirrors the value key space.
func (s *BadgerStore) List(ctx context.Context, opts ListOptions) ([]KeyInfo, error) {
	var keys []KeyInfo
	prefix := []byte(metaPrefix + opts.Prefix)

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if opts.Limit > 0 && len(keys) >= opts.Limit {
				break
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keys = append(keys, KeyInfo{
				Name:     strings.TrimPrefix(string(item.Key()), metaPrefix),
				Metadata: decodeMeta(string(raw)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(valuePrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(metaPrefix + key))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
