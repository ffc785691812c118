package kvstore

import (
	"encoding/json"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

var ErrNotFound = errors.New("kv: not found")

const prefix = "k:"

// Store keeps JSON documents under the k: prefix.
type Store struct {
	db *leveldb.DB
}

func New(db *leveldb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(key string, out any) error {
	b, err := s.db.Get([]byte(prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (s *Store) Put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(prefix+key), b, nil)
}

func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(prefix+key), nil)
}
