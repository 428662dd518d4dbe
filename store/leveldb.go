package store

import (
	"github.com/iov-one/paychan/errors"
	dbm "github.com/tendermint/tendermint/libs/db"
)

// NewLevelDB opens (or creates) a goleveldb database called name inside dir.
func NewLevelDB(name, dir string) (*DB, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabase, "open leveldb %s in %s: %s", name, dir, err)
	}
	return WrapDB(db), nil
}

// DB adapts a tendermint database to the KVStore interface. Batches are
// atomic and synced to disk on Write.
type DB struct {
	db dbm.DB
}

var _ CacheableKVStore = (*DB)(nil)

// WrapDB returns a KVStore over db.
func WrapDB(db dbm.DB) *DB {
	return &DB{db: db}
}

func (d *DB) Get(key []byte) (val []byte, err error) {
	defer recoverDB(&err)
	return d.db.Get(key), nil
}

func (d *DB) Has(key []byte) (ok bool, err error) {
	defer recoverDB(&err)
	return d.db.Has(key), nil
}

// Set and Delete are synced to disk.
func (d *DB) Set(key, value []byte) (err error) {
	defer recoverDB(&err)
	d.db.SetSync(key, value)
	return nil
}

func (d *DB) Delete(key []byte) (err error) {
	defer recoverDB(&err)
	d.db.DeleteSync(key)
	return nil
}

func (d *DB) Iterator(start, end []byte) (it Iterator, err error) {
	defer recoverDB(&err)
	return &dbIterator{d.db.Iterator(start, end)}, nil
}

// NewBatch returns an atomic batch.
func (d *DB) NewBatch() Batch {
	return &dbBatch{b: d.db.NewBatch()}
}

// CacheWrap writes to the database in one atomic batch.
func (d *DB) CacheWrap() KVCacheWrap {
	return NewCacheWrap(d)
}

// Close releases the database.
func (d *DB) Close() error {
	d.db.Close()
	return nil
}

type dbBatch struct {
	b dbm.Batch
}

func (b *dbBatch) Set(key, value []byte) (err error) {
	defer recoverDB(&err)
	b.b.Set(key, value)
	return nil
}

func (b *dbBatch) Delete(key []byte) (err error) {
	defer recoverDB(&err)
	b.b.Delete(key)
	return nil
}

func (b *dbBatch) Write() (err error) {
	defer recoverDB(&err)
	b.b.WriteSync()
	return nil
}

type dbIterator struct {
	it dbm.Iterator
}

func (i *dbIterator) Valid() bool { return i.it.Valid() }

func (i *dbIterator) Next() (err error) {
	defer recoverDB(&err)
	i.it.Next()
	return nil
}

func (i *dbIterator) Key() []byte   { return i.it.Key() }
func (i *dbIterator) Value() []byte { return i.it.Value() }
func (i *dbIterator) Close()        { i.it.Close() }

// recoverDB turns the panics tendermint databases use to report storage
// failures into ErrDatabase.
func recoverDB(err *error) {
	if r := recover(); r != nil {
		*err = errors.Wrapf(errors.ErrDatabase, "%v", r)
	}
}
