package store

// Model is a key value pair.
type Model struct {
	Key   []byte
	Value []byte
}

// ReadOnlyKVStore reads from a store.
type ReadOnlyKVStore interface {
	// Get returns nil for a missing key.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iterator walks the keys in [start, end) in ascending order. A nil
	// bound is open. No writes may happen in the range while the iterator
	// is in use.
	Iterator(start, end []byte) (Iterator, error)
}

// SetDeleter is the write half shared by stores and batches.
type SetDeleter interface {
	Set(key, value []byte) error
	Delete(key []byte) error
}

// KVStore is implemented by every backend.
type KVStore interface {
	ReadOnlyKVStore
	SetDeleter
	NewBatch() Batch
}

// Batch collects writes that Write applies together.
type Batch interface {
	SetDeleter
	Write() error
}

// CacheableKVStore can stack a scratch pad on top of itself.
type CacheableKVStore interface {
	KVStore
	CacheWrap() KVCacheWrap
}

// KVCacheWrap holds writes on top of a parent store. Reads see the pending
// writes. Write hands them to the parent in one batch and Discard drops
// them. The wrap is empty afterwards either way.
type KVCacheWrap interface {
	CacheableKVStore
	Write() error
	Discard()
}

// Iterator is a cursor over a key range.
//
//	for it.Valid() {
//		use(it.Key(), it.Value())
//		if err := it.Next(); err != nil {
//			...
//		}
//	}
//	it.Close()
type Iterator interface {
	Valid() bool
	// Next fails once the iterator is exhausted.
	Next() error
	// Key and Value panic once the iterator is exhausted.
	Key() []byte
	Value() []byte
	Close()
}
