package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreSuite(t *testing.T) {
	NewTestSuite(func() (CacheableKVStore, func()) {
		return MemStore(), func() {}
	}).Run(t)
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]Model{{Key: []byte("a")}, {Key: []byte("b")}})
	require.True(t, it.Valid())
	require.Equal(t, []byte("a"), it.Key())
	require.NoError(t, it.Next())
	require.Equal(t, []byte("b"), it.Key())
	require.NoError(t, it.Next())
	require.False(t, it.Valid())
	require.Error(t, it.Next())
}

func TestPrefixEnd(t *testing.T) {
	cases := map[string]struct {
		prefix []byte
		want   []byte
	}{
		"plain":       {prefix: []byte("ch/"), want: []byte("ch0")},
		"carry":       {prefix: []byte{'a', 0xff}, want: []byte{'b'}},
		"all ones":    {prefix: []byte{0xff, 0xff}, want: nil},
		"empty":       {prefix: nil, want: nil},
		"single byte": {prefix: []byte{0x00}, want: []byte{0x01}},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			require.Equal(t, tc.want, PrefixEnd(tc.prefix))
		})
	}
}
