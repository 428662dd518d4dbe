package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStoreConstructor returns an empty store and a function releasing it.
type TestStoreConstructor func() (CacheableKVStore, func())

// TestSuite holds the checks every CacheableKVStore backend must pass.
type TestSuite struct {
	fresh TestStoreConstructor
}

func NewTestSuite(fresh TestStoreConstructor) *TestSuite {
	return &TestSuite{fresh: fresh}
}

func (s *TestSuite) Run(t *testing.T) {
	t.Run("read write", s.ReadWrite)
	t.Run("cache write and discard", s.CacheLifecycle)
	t.Run("nested caches", s.NestedCaches)
	t.Run("iterate", s.Iterate)
	t.Run("batch", s.Batch)
}

func (s *TestSuite) ReadWrite(t *testing.T) {
	db, release := s.fresh()
	defer release()

	key := []byte("channel/ch-1")
	requireValue(t, db, key, nil)
	require.NoError(t, db.Set(key, []byte("v1")))
	requireValue(t, db, key, []byte("v1"))
	require.NoError(t, db.Set(key, []byte("v2")))
	requireValue(t, db, key, []byte("v2"))
	require.NoError(t, db.Delete(key))
	requireValue(t, db, key, nil)
	// deleting a missing key is fine
	require.NoError(t, db.Delete([]byte("channel/none")))
}

func (s *TestSuite) CacheLifecycle(t *testing.T) {
	db, release := s.fresh()
	defer release()

	kept, dropped := []byte("channel/ch-1"), []byte("channel/ch-2")
	require.NoError(t, db.Set(kept, []byte("funded")))

	cache := db.CacheWrap()
	requireValue(t, cache, kept, []byte("funded"))
	require.NoError(t, cache.Set(dropped, []byte("opened")))
	require.NoError(t, cache.Delete(kept))
	requireValue(t, cache, kept, nil)
	requireValue(t, cache, dropped, []byte("opened"))
	// nothing reaches the parent before Write
	requireValue(t, db, kept, []byte("funded"))
	requireValue(t, db, dropped, nil)

	cache.Discard()
	requireValue(t, cache, kept, []byte("funded"))
	requireValue(t, db, dropped, nil)

	require.NoError(t, cache.Set(dropped, []byte("opened")))
	require.NoError(t, cache.Delete(kept))
	require.NoError(t, cache.Write())
	requireValue(t, db, kept, nil)
	requireValue(t, db, dropped, []byte("opened"))

	// a written cache is empty and can be used again
	require.NoError(t, cache.Write())
	requireValue(t, db, dropped, []byte("opened"))
}

func (s *TestSuite) NestedCaches(t *testing.T) {
	db, release := s.fresh()
	defer release()

	key := []byte("history/ch-1/1")
	outer := db.CacheWrap()
	inner := outer.CacheWrap()
	require.NoError(t, inner.Set(key, []byte("state")))
	requireValue(t, outer, key, nil)

	require.NoError(t, inner.Write())
	requireValue(t, outer, key, []byte("state"))
	requireValue(t, db, key, nil)

	require.NoError(t, outer.Write())
	requireValue(t, db, key, []byte("state"))
}

func (s *TestSuite) Iterate(t *testing.T) {
	base := []Model{
		{Key: []byte("a/1"), Value: []byte("1")},
		{Key: []byte("a/2"), Value: []byte("2")},
		{Key: []byte("a/3"), Value: []byte("3")},
		{Key: []byte("b/1"), Value: []byte("4")},
	}

	cases := map[string]struct {
		// changes are applied on a cache wrap when set
		changes    func(SetDeleter) error
		start, end []byte
		want       []string
	}{
		"everything": {
			want: []string{"a/1", "a/2", "a/3", "b/1"},
		},
		"prefix": {
			start: []byte("a/"),
			end:   PrefixEnd([]byte("a/")),
			want:  []string{"a/1", "a/2", "a/3"},
		},
		"end is exclusive": {
			start: []byte("a/2"),
			end:   []byte("b/1"),
			want:  []string{"a/2", "a/3"},
		},
		"open start": {
			end:  []byte("a/2"),
			want: []string{"a/1"},
		},
		"empty range": {
			start: []byte("c/"),
			want:  nil,
		},
		"pending writes are merged": {
			changes: func(w SetDeleter) error {
				if err := w.Set([]byte("a/0"), []byte("0")); err != nil {
					return err
				}
				if err := w.Set([]byte("a/25"), []byte("x")); err != nil {
					return err
				}
				return w.Set([]byte("c/1"), []byte("5"))
			},
			start: []byte("a/"),
			end:   PrefixEnd([]byte("a/")),
			want:  []string{"a/0", "a/1", "a/2", "a/25", "a/3"},
		},
		"pending deletes are hidden": {
			changes: func(w SetDeleter) error {
				if err := w.Delete([]byte("a/1")); err != nil {
					return err
				}
				return w.Delete([]byte("b/1"))
			},
			want: []string{"a/2", "a/3"},
		},
		"pending overwrite wins": {
			changes: func(w SetDeleter) error {
				return w.Set([]byte("a/2"), []byte("new"))
			},
			start: []byte("a/2"),
			end:   []byte("a/3"),
			want:  []string{"a/2=new"},
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db, release := s.fresh()
			defer release()
			for _, m := range base {
				require.NoError(t, db.Set(m.Key, m.Value))
			}

			var r ReadOnlyKVStore = db
			if tc.changes != nil {
				cache := db.CacheWrap()
				require.NoError(t, tc.changes(cache))
				r = cache
			}
			it, err := r.Iterator(tc.start, tc.end)
			require.NoError(t, err)
			got, err := drain(it)
			require.NoError(t, err)

			var keys []string
			for _, m := range got {
				k := string(m.Key)
				if k == "a/2" && string(m.Value) != "2" {
					k = fmt.Sprintf("%s=%s", m.Key, m.Value)
				}
				keys = append(keys, k)
			}
			require.Equal(t, tc.want, keys)
		})
	}
}

func (s *TestSuite) Batch(t *testing.T) {
	db, release := s.fresh()
	defer release()

	require.NoError(t, db.Set([]byte("k1"), []byte("old")))
	b := db.NewBatch()
	require.NoError(t, b.Set([]byte("k2"), []byte("new")))
	require.NoError(t, b.Delete([]byte("k1")))
	requireValue(t, db, []byte("k1"), []byte("old"))
	requireValue(t, db, []byte("k2"), nil)

	require.NoError(t, b.Write())
	requireValue(t, db, []byte("k1"), nil)
	requireValue(t, db, []byte("k2"), []byte("new"))
}

func requireValue(t testing.TB, r ReadOnlyKVStore, key, want []byte) {
	t.Helper()
	got, err := r.Get(key)
	require.NoError(t, err)
	require.Equal(t, want, got)
	has, err := r.Has(key)
	require.NoError(t, err)
	require.Equal(t, want != nil, has)
}
