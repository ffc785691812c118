package cachestore

import (
	"bytes"
	"errors"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"shell0/internal/storage"
)

// ErrMiss is returned by lookups that found nothing. It is a normal outcome.
var ErrMiss = errors.New("cache miss")

const (
	registryPrefix = "s:"
	entryPrefix    = "c:"
)

// Caches is the set of named stores kept in one leveldb database.
type Caches struct {
	db *leveldb.DB
}

func New(db *leveldb.DB) *Caches {
	return &Caches{db: db}
}

// Open returns the store called name, registering it if needed.
func (c *Caches) Open(name string) (*Store, error) {
	if err := c.db.Put([]byte(registryPrefix+name), nil, nil); err != nil {
		return nil, err
	}
	return &Store{db: c.db, name: name}, nil
}

func (c *Caches) Has(name string) (bool, error) {
	return c.db.Has([]byte(registryPrefix+name), nil)
}

// Names lists every registered store in lexical order.
func (c *Caches) Names() ([]string, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(registryPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(registryPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete drops a store with all of its entries in one batch.
func (c *Caches) Delete(name string) (bool, error) {
	ok, err := c.Has(name)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := c.db.NewIterator(util.BytesPrefix(storePrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(registryPrefix + name))
	return true, c.db.Write(batch, nil)
}

// Cleanup deletes every store gen does not allow and returns the deleted names.
func (c *Caches) Cleanup(gen Generation) ([]string, error) {
	names, err := c.Names()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, n := range names {
		if gen.Allows(n) {
			continue
		}
		ok, err := c.Delete(n)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, n)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// Match looks key up in each named store in order and returns the first hit.
func (c *Caches) Match(key string, names ...string) (Entry, error) {
	for _, n := range names {
		ent, err := (&Store{db: c.db, name: n}).Get(key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		return ent, err
	}
	return Entry{}, ErrMiss
}

// Store holds at most one entry per request key.
type Store struct {
	db   *leveldb.DB
	name string
}

func (s *Store) Name() string { return s.name }

func (s *Store) Get(key string) (Entry, error) {
	b, err := s.db.Get(entryKey(s.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var ent Entry
	if err := storage.DecodeGob(b, &ent); err != nil {
		return Entry{}, err
	}
	return ent, nil
}

// Put overwrites any previous entry for key.
func (s *Store) Put(key string, ent Entry) error {
	b, err := storage.EncodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(registryPrefix+s.name), nil)
	batch.Put(entryKey(s.name, key), b)
	return s.db.Write(batch, nil)
}

func (s *Store) Delete(key string) error {
	return s.db.Delete(entryKey(s.name, key), nil)
}

func (s *Store) Keys() ([]string, error) {
	p := storePrefix(s.name)
	it := s.db.NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), p)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func storePrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(storePrefix(name), key...)
}
