package store

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tendermint/libs/db"
)

func TestMemDBAdapterSuite(t *testing.T) {
	NewTestSuite(func() (CacheableKVStore, func()) {
		return WrapDB(dbm.NewMemDB()), func() {}
	}).Run(t)
}

func TestLevelDBSuite(t *testing.T) {
	NewTestSuite(func() (CacheableKVStore, func()) {
		dir, err := ioutil.TempDir("", "paychan-leveldb")
		require.NoError(t, err)
		db, err := NewLevelDB("test", dir)
		require.NoError(t, err)
		return db, func() {
			db.Close()
			os.RemoveAll(dir)
		}
	}).Run(t)
}

func TestLevelDBReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "paychan-leveldb")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	db, err := NewLevelDB("reopen", dir)
	require.NoError(t, err)
	cache := db.CacheWrap()
	require.NoError(t, cache.Set([]byte("channel"), []byte("state")))
	require.NoError(t, cache.Write())
	require.NoError(t, db.Close())

	db, err = NewLevelDB("reopen", dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get([]byte("channel"))
	require.NoError(t, err)
	require.Equal(t, []byte("state"), got)
}
