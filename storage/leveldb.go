package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a production Adapter backed by an embedded LevelDB
// instance. LevelDB stores keys in sorted order and exposes
// prefix-range iterators natively, which is what makes it a better fit
// for this ordered key-value contract than a relational store: List is
// a single iterator.Range(util.BytesPrefix(...)) scan rather than a
// LIKE query.
type LevelDB struct {
	db *leveldb.DB
}

var _ Adapter = (*LevelDB)(nil)

// OpenLevelDB opens (creating if necessary) a LevelDB database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying database handle.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) Get(key string) (string, error) {
	v, err := l.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get %q: %w", key, err)
	}
	return string(v), nil
}

func (l *LevelDB) Put(key, value string) error {
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

func (l *LevelDB) List(prefix string) ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	return keys, nil
}

func (l *LevelDB) Delete(key string) error {
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}
