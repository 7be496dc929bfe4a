package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

const maxTxnRetries = 32

type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil

	return open(opts)
}

// NewMemoryStore opens a badger instance that lives only in memory.
func NewMemoryStore() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := GetTxn(txn, namespace, key)
		value = v
		return err
	})
	return value, err
}

func (s *Store) Set(namespace, key string, value []byte) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(namespace+key), value)
	})
}

func (s *Store) Delete(namespace, key string) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(namespace + key))
	})
}

func (s *Store) List(namespace, prefix string, limit int) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		fullPrefix := []byte(namespace + prefix)
		count := 0
		for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix) && (limit <= 0 || count < limit); it.Next() {
			key := string(it.Item().Key())
			keys = append(keys, key[len(namespace):])
			count++
		}
		return nil
	})

	return keys, err
}

// Update runs fn in a read-write transaction, retrying when badger reports a
// conflict with a concurrent transaction. fn must be safe to re-run.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// GetTxn reads namespace+key inside an existing transaction, returning a copy
// of the value.
func GetTxn(txn *badger.Txn, namespace, key string) ([]byte, error) {
	item, err := txn.Get([]byte(namespace + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
