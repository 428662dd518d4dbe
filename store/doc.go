/*
Package store provides the key value substrate the Channel Store is built on.

Every backend implements KVStore. CacheWrap returns a btree backed scratch pad
that collects changes and writes them to its parent in one batch, so a group
of writes is either fully applied or not at all. MemStore keeps everything in
memory, the leveldb adapter persists to disk and the iavl subpackage keeps a
versioned merkle tree.
*/
package store
