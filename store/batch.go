package store

import "github.com/iov-one/paychan/errors"

// NonAtomicBatch replays the collected writes one by one on Write. Only
// use it over stores that cannot fail half way, like the in-memory ones.
type NonAtomicBatch struct {
	out SetDeleter
	ops []Model
	del []bool
}

var _ Batch = (*NonAtomicBatch)(nil)

// NewNonAtomicBatch returns an empty batch writing to out.
func NewNonAtomicBatch(out SetDeleter) *NonAtomicBatch {
	return &NonAtomicBatch{out: out}
}

func (b *NonAtomicBatch) Set(key, value []byte) error {
	b.ops = append(b.ops, Model{Key: key, Value: value})
	b.del = append(b.del, false)
	return nil
}

func (b *NonAtomicBatch) Delete(key []byte) error {
	b.ops = append(b.ops, Model{Key: key})
	b.del = append(b.del, true)
	return nil
}

func (b *NonAtomicBatch) Write() error {
	defer func() { b.ops, b.del = nil, nil }()
	for i, op := range b.ops {
		var err error
		if b.del[i] {
			err = b.out.Delete(op.Key)
		} else {
			err = b.out.Set(op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SliceIterator iterates over models held in memory.
type SliceIterator struct {
	data []Model
	idx  int
}

var _ Iterator = (*SliceIterator)(nil)

// NewSliceIterator iterates over data in the given order.
func NewSliceIterator(data []Model) *SliceIterator {
	return &SliceIterator{data: data}
}

func (s *SliceIterator) Valid() bool {
	return s.idx < len(s.data)
}

func (s *SliceIterator) Next() error {
	if !s.Valid() {
		return errors.ErrDatabase.New("iterator exhausted")
	}
	s.idx++
	return nil
}

func (s *SliceIterator) Key() []byte {
	return s.data[s.idx].Key
}

func (s *SliceIterator) Value() []byte {
	return s.data[s.idx].Value
}

func (s *SliceIterator) Close() {
	s.data = nil
}

// PrefixEnd returns the first key that sorts after every key starting with
// prefix, for use as the exclusive end of a range. Nil means no upper bound.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
