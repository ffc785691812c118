// Package storage opens the leveldb database shared by the cache stores, the
// offline action queue and the key/value records. Components partition the
// keyspace with fixed prefixes:
//
//	s:<store>          store registry
//	c:<store>\x00<key> cache entries
//	q:<seq>            offline queue order
//	a:<id>             offline actions
//	k:<key>            key/value records
package storage

import (
	"bytes"
	"encoding/gob"
	"net/http"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func Open(path string) (*leveldb.DB, error) {
	return leveldb.OpenFile(path, nil)
}

// OpenMem returns a database that lives only as long as the process.
func OpenMem() (*leveldb.DB, error) {
	return leveldb.Open(storage.NewMemStorage(), nil)
}

func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
