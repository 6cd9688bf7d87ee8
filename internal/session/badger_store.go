package session

import (
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore persists session keys of every user in one Badger database.
// Keys are laid out as "session:<user>:<key>".
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryBadgerStore opens a Badger database that never touches disk.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Scope(user string) KV {
	return &badgerScope{db: s.db, prefix: "session:" + user + ":"}
}

type badgerScope struct {
	db     *badger.DB
	prefix string
}

func (b *badgerScope) key(k string) []byte {
	return []byte(b.prefix + k)
}

// Get returns "" for keys that were never written.
func (b *badgerScope) Get(key string) (string, error) {
	var out string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			out = string(v)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (b *badgerScope) Set(key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), []byte(value))
	})
}
