/*
Package iavl adapts a versioned iavl merkle tree to the store interfaces.

Writes go to the working tree and become durable, together with a new root
hash, on Commit.
*/
package iavl

import (
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/store"
	"github.com/tendermint/iavl"
	dbm "github.com/tendermint/tendermint/libs/db"
)

// DefaultCacheSize is the number of tree nodes kept in memory.
const DefaultCacheSize = 10000

// CommitID identifies a committed version of the tree.
type CommitID struct {
	Version int64
	Hash    []byte
}

// CommitStore is a KVStore over the working tree of an iavl tree.
type CommitStore struct {
	tree *iavl.MutableTree
}

var _ store.CacheableKVStore = (*CommitStore)(nil)

// NewCommitStore loads the latest version of the tree kept in db.
func NewCommitStore(db dbm.DB, cacheSize int) (*CommitStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	tree := iavl.NewMutableTree(db, cacheSize)
	if _, err := tree.Load(); err != nil {
		return nil, errors.Wrapf(errors.ErrDatabase, "load iavl tree: %s", err)
	}
	return &CommitStore{tree: tree}, nil
}

// Commit saves the working tree as the next version.
func (s *CommitStore) Commit() (CommitID, error) {
	hash, version, err := s.tree.SaveVersion()
	if err != nil {
		return CommitID{}, errors.Wrapf(errors.ErrDatabase, "save version: %s", err)
	}
	return CommitID{Version: version, Hash: hash}, nil
}

// Rollback drops every uncommitted change.
func (s *CommitStore) Rollback() {
	s.tree.Rollback()
}

// LatestVersion describes the last saved version.
func (s *CommitStore) LatestVersion() CommitID {
	return CommitID{
		Version: s.tree.Version(),
		Hash:    s.tree.Hash(),
	}
}

// Get reads the working tree.
func (s *CommitStore) Get(key []byte) ([]byte, error) {
	_, val := s.tree.Get(key)
	return val, nil
}

func (s *CommitStore) Has(key []byte) (bool, error) {
	return s.tree.Has(key), nil
}

func (s *CommitStore) Set(key, value []byte) error {
	s.tree.Set(key, value)
	return nil
}

func (s *CommitStore) Delete(key []byte) error {
	s.tree.Remove(key)
	return nil
}

// NewBatch returns a batch applied to the working tree on Write. It only
// becomes durable with the next Commit.
func (s *CommitStore) NewBatch() store.Batch {
	return store.NewNonAtomicBatch(s)
}

// CacheWrap stacks a scratch pad over the working tree.
func (s *CommitStore) CacheWrap() store.KVCacheWrap {
	return store.NewCacheWrap(s)
}

// Iterator copies the range [start, end) of the working tree.
func (s *CommitStore) Iterator(start, end []byte) (store.Iterator, error) {
	var res []store.Model
	s.tree.IterateRange(start, end, true, func(key, value []byte) bool {
		res = append(res, store.Model{Key: key, Value: value})
		return false
	})
	return store.NewSliceIterator(res), nil
}
