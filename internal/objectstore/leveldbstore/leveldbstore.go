// Package leveldbstore keeps blobs in an embedded LevelDB database
// (leveldb:///path/to/dir).
package leveldbstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/git-pkgs/gemserver/internal/objectstore"
)

func init() {
	objectstore.Register("leveldb", func(_ context.Context, u *url.URL) (objectstore.Store, error) {
		path := objectstore.FilePath(u)
		if path == "" {
			return nil, fmt.Errorf("leveldb store needs a path")
		}
		return Open(path)
	})
}

// Store is a LevelDB-backed object store.
type Store struct {
	db *leveldb.DB
}

var _ objectstore.Swapper = (*Store)(nil)

// Open opens or creates the database directory at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		WriteBuffer:            8 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, objectstore.NotFound(key)
	}
	return v, objectstore.Fail("get", key, err)
}

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	return objectstore.Fail("put", key, s.db.Put([]byte(key), data, nil))
}

func (s *Store) Delete(_ context.Context, key string) error {
	return objectstore.Fail("delete", key, s.db.Delete([]byte(key), nil))
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, objectstore.Fail("list", prefix, it.Error())
}

// CompareAndSwap runs inside a LevelDB transaction, which excludes all
// other writers until it commits.
func (s *Store) CompareAndSwap(_ context.Context, key string, old, new []byte) (bool, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return false, objectstore.Fail("cas", key, err)
	}
	defer tr.Discard()

	cur, err := tr.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		if old != nil {
			return false, nil
		}
	case err != nil:
		return false, objectstore.Fail("cas", key, err)
	default:
		if old == nil || !bytes.Equal(cur, old) {
			return false, nil
		}
	}

	if new == nil {
		err = tr.Delete([]byte(key), nil)
	} else {
		err = tr.Put([]byte(key), new, nil)
	}
	if err != nil {
		return false, objectstore.Fail("cas", key, err)
	}
	if err := tr.Commit(); err != nil {
		return false, objectstore.Fail("cas", key, err)
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
