package store

import (
	"bytes"

	"github.com/google/btree"
)

const degree = 8

// entry is a pending write kept in the btree. A deleted entry hides the key
// in the parent store.
type entry struct {
	key     []byte
	value   []byte
	deleted bool
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

// cache keeps writes in a btree on top of an optional parent. Without a
// parent it is a complete in-memory store.
type cache struct {
	tree   *btree.BTree
	parent KVStore
}

// MemStore returns an empty in-memory store. Concurrent reads are safe,
// writes need exclusive access.
func MemStore() CacheableKVStore {
	return &cache{tree: btree.New(degree)}
}

// NewCacheWrap returns a scratch pad over parent. Write hands the pending
// changes to parent in a single batch of parent.NewBatch.
func NewCacheWrap(parent KVStore) KVCacheWrap {
	return &cache{
		tree:   btree.New(degree),
		parent: parent,
	}
}

func (c *cache) lookup(key []byte) *entry {
	if it := c.tree.Get(&entry{key: key}); it != nil {
		return it.(*entry)
	}
	return nil
}

func (c *cache) Get(key []byte) ([]byte, error) {
	if e := c.lookup(key); e != nil {
		if e.deleted {
			return nil, nil
		}
		return e.value, nil
	}
	if c.parent == nil {
		return nil, nil
	}
	return c.parent.Get(key)
}

func (c *cache) Has(key []byte) (bool, error) {
	if e := c.lookup(key); e != nil {
		return !e.deleted, nil
	}
	if c.parent == nil {
		return false, nil
	}
	return c.parent.Has(key)
}

func (c *cache) Set(key, value []byte) error {
	c.tree.ReplaceOrInsert(&entry{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (c *cache) Delete(key []byte) error {
	if c.parent == nil {
		c.tree.Delete(&entry{key: key})
		return nil
	}
	c.tree.ReplaceOrInsert(&entry{key: append([]byte{}, key...), deleted: true})
	return nil
}

func (c *cache) NewBatch() Batch {
	return NewNonAtomicBatch(c)
}

func (c *cache) CacheWrap() KVCacheWrap {
	return NewCacheWrap(c)
}

// Write is a no-op on a MemStore.
func (c *cache) Write() error {
	if c.parent == nil {
		return nil
	}
	defer c.Discard()
	batch := c.parent.NewBatch()
	var err error
	c.tree.Ascend(func(it btree.Item) bool {
		e := it.(*entry)
		if e.deleted {
			err = batch.Delete(e.key)
		} else {
			err = batch.Set(e.key, e.value)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	return batch.Write()
}

// Discard empties a cache wrap. It is a no-op on a MemStore.
func (c *cache) Discard() {
	if c.parent != nil {
		c.tree = btree.New(degree)
	}
}

// Iterator merges the pending writes with the parent range into a
// snapshot. Pending writes win on equal keys.
func (c *cache) Iterator(start, end []byte) (Iterator, error) {
	ours := c.pending(start, end)
	var theirs []Model
	if c.parent != nil {
		it, err := c.parent.Iterator(start, end)
		if err != nil {
			return nil, err
		}
		theirs, err = drain(it)
		if err != nil {
			return nil, err
		}
	}

	merged := make([]Model, 0, len(ours)+len(theirs))
	i, j := 0, 0
	for i < len(ours) || j < len(theirs) {
		var cmp int
		switch {
		case i == len(ours):
			cmp = 1
		case j == len(theirs):
			cmp = -1
		default:
			cmp = bytes.Compare(ours[i].key, theirs[j].Key)
		}
		if cmp > 0 {
			merged = append(merged, theirs[j])
			j++
			continue
		}
		if !ours[i].deleted {
			merged = append(merged, Model{Key: ours[i].key, Value: ours[i].value})
		}
		i++
		if cmp == 0 {
			j++
		}
	}
	return NewSliceIterator(merged), nil
}

// pending returns the entries within [start, end) in key order.
func (c *cache) pending(start, end []byte) []*entry {
	var out []*entry
	visit := func(it btree.Item) bool {
		e := it.(*entry)
		if end != nil && bytes.Compare(e.key, end) >= 0 {
			return false
		}
		out = append(out, e)
		return true
	}
	if start == nil {
		c.tree.Ascend(visit)
	} else {
		c.tree.AscendGreaterOrEqual(&entry{key: start}, visit)
	}
	return out
}

// drain reads the remaining models of it and closes it.
func drain(it Iterator) ([]Model, error) {
	defer it.Close()
	var out []Model
	for it.Valid() {
		out = append(out, Model{Key: it.Key(), Value: it.Value()})
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
