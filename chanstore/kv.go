package chanstore

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/store"
)

var (
	channelPrefix = []byte("ch:")
	historyPrefix = []byte("h:")
	partyPrefix   = []byte("p:")
	present       = []byte{1}
)

// KVStore keeps channels in a key value store. Each mutation is collected
// in a cache wrap and written in a single batch.
//
// The underlying stores are not safe for concurrent use, so every read
// modify write runs under one store wide lock. Use SQLStore when many
// channels are updated concurrently.
type KVStore struct {
	mu   sync.RWMutex
	db   store.CacheableKVStore
	opts options
}

var _ Store = (*KVStore)(nil)

// NewKVStore returns a Channel Store persisting to db.
func NewKVStore(db store.CacheableKVStore, opts ...Option) *KVStore {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &KVStore{
		db:   db,
		opts: o,
	}
}

func channelKey(id string) []byte {
	return append(append([]byte{}, channelPrefix...), id...)
}

// historyBase is the prefix of every history entry of a channel. The id is
// length prefixed so that no channel id is a prefix of another.
func historyBase(id string) []byte {
	k := append([]byte{}, historyPrefix...)
	k = append(k, byte(len(id)))
	return append(k, id...)
}

func historyKey(id string, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return append(historyBase(id), n[:]...)
}

func partyBase(addr paychan.Address) []byte {
	return append(append([]byte{}, partyPrefix...), addr...)
}

func partyKey(addr paychan.Address, id string) []byte {
	return append(partyBase(addr), id...)
}

// Get returns the channel or ErrNotFound.
func (s *KVStore) Get(ctx context.Context, id string) (*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(s.db, id)
}

func (s *KVStore) load(db store.ReadOnlyKVStore, id string) (*channel.Channel, error) {
	raw, err := db.Get(channelKey(id))
	if err != nil {
		return nil, errors.Wrap(err, "get channel")
	}
	if raw == nil {
		return nil, errors.ErrNotFound.Newf("channel %q", id)
	}
	var ch channel.Channel
	if err := proto.Unmarshal(raw, &ch); err != nil {
		return nil, errors.Wrapf(errors.ErrCorrupted, "decode channel %q: %s", id, err)
	}
	return &ch, nil
}

// History returns every canonical state of the channel ordered by nonce.
func (s *KVStore) History(ctx context.Context, id string) ([]*channel.SignedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ok, err := s.db.Has(channelKey(id)); err != nil {
		return nil, errors.Wrap(err, "has channel")
	} else if !ok {
		return nil, errors.ErrNotFound.Newf("channel %q", id)
	}

	base := historyBase(id)
	it, err := s.db.Iterator(base, store.PrefixEnd(base))
	if err != nil {
		return nil, errors.Wrap(err, "history iterator")
	}
	defer it.Close()

	var res []*channel.SignedState
	for it.Valid() {
		var h channel.SignedState
		if err := proto.Unmarshal(it.Value(), &h); err != nil {
			return nil, errors.Wrapf(errors.ErrCorrupted, "decode history of %q: %s", id, err)
		}
		res = append(res, &h)
		if err := it.Next(); err != nil {
			return nil, errors.Wrap(err, "history iterator")
		}
	}
	return res, nil
}

// List returns all channels the party is a member of, ordered by id.
func (s *KVStore) List(ctx context.Context, party paychan.Address) ([]*channel.Channel, error) {
	if err := party.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	base := partyBase(party)
	it, err := s.db.Iterator(base, store.PrefixEnd(base))
	if err != nil {
		return nil, errors.Wrap(err, "party iterator")
	}
	var ids []string
	for it.Valid() {
		ids = append(ids, string(it.Key()[len(base):]))
		if err := it.Next(); err != nil {
			it.Close()
			return nil, errors.Wrap(err, "party iterator")
		}
	}
	it.Close()

	sort.Strings(ids)
	res := make([]*channel.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.load(s.db, id)
		if err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, nil
}

// Create persists a funded channel and its nonce zero history entry.
func (s *KVStore) Create(ctx context.Context, ch *channel.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.Nonce() != 0 || ch.Phase != channel.PhaseOpen {
		return errors.ErrInvalidState.New("new channels start open at nonce zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has(channelKey(ch.ID)); err != nil {
		return errors.Wrap(err, "has channel")
	} else if ok {
		return errors.ErrDuplicate.Newf("channel %q", ch.ID)
	}

	ch = ch.Clone()
	now := s.opts.now().UnixNano()
	ch.CreatedAt = now
	ch.Canonical.CommittedAt = now

	cache := s.db.CacheWrap()
	if err := s.put(cache, ch); err != nil {
		cache.Discard()
		return err
	}
	if err := s.append(cache, ch.Canonical); err != nil {
		cache.Discard()
		return err
	}
	for _, r := range []channel.Role{channel.RoleA, channel.RoleB} {
		if err := cache.Set(partyKey(ch.Address(r), ch.ID), present); err != nil {
			cache.Discard()
			return errors.Wrap(err, "index party")
		}
	}
	if err := cache.Write(); err != nil {
		return errors.Wrap(err, "write channel")
	}
	s.opts.logger.Debug("channel created", "channel", ch.ID, "capital", ch.TotalCapital)
	return nil
}

// CompareAndCommit makes next canonical if the stored nonce equals
// expectedNonce.
func (s *KVStore) CompareAndCommit(ctx context.Context, id string, expectedNonce uint64, next *channel.SignedState) (CommitResult, error) {
	if err := validateNext(id, expectedNonce, next); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.load(s.db, id)
	if err != nil {
		return 0, err
	}
	res, err := checkCommit(ch, expectedNonce, next)
	if err != nil || res == Conflict {
		return res, err
	}

	next = proto.Clone(next).(*channel.SignedState)
	next.CommittedAt = s.opts.now().UnixNano()
	ch.Canonical = next

	cache := s.db.CacheWrap()
	if err := s.put(cache, ch); err != nil {
		cache.Discard()
		return 0, err
	}
	if err := s.append(cache, next); err != nil {
		cache.Discard()
		return 0, err
	}
	if err := cache.Write(); err != nil {
		return 0, errors.Wrap(err, "write commit")
	}
	s.opts.logger.Debug("state committed", "channel", id, "nonce", next.State.Nonce)
	return Committed, nil
}

// SetPhase moves a channel between persisted phases.
func (s *KVStore) SetPhase(ctx context.Context, id string, from, to channel.Phase) error {
	if !from.CanTransition(to) {
		return errors.ErrInvalidState.Newf("%s to %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.load(s.db, id)
	if err != nil {
		return err
	}
	if ch.Phase != from {
		return errors.ErrConflict.Newf("channel %s is %s, not %s", id, ch.Phase, from)
	}
	ch.Phase = to
	return s.put(s.db, ch)
}

// Settle closes a channel with the state the settlement layer recorded.
func (s *KVStore) Settle(ctx context.Context, id string, final *channel.SignedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.load(s.db, id)
	if err != nil {
		return err
	}
	changed, err := applySettle(ch, final)
	if err != nil || !changed {
		return err
	}
	if err := s.put(s.db, ch); err != nil {
		return err
	}
	s.opts.logger.Debug("channel settled", "channel", id, "nonce", final.State.Nonce)
	return nil
}

// Delete removes a channel, its history and its party index entries.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.load(s.db, id)
	if err != nil {
		return err
	}

	base := historyBase(id)
	it, err := s.db.Iterator(base, store.PrefixEnd(base))
	if err != nil {
		return errors.Wrap(err, "history iterator")
	}
	var keys [][]byte
	for it.Valid() {
		keys = append(keys, append([]byte{}, it.Key()...))
		if err := it.Next(); err != nil {
			it.Close()
			return errors.Wrap(err, "history iterator")
		}
	}
	it.Close()

	keys = append(keys,
		channelKey(id),
		partyKey(ch.Address(channel.RoleA), id),
		partyKey(ch.Address(channel.RoleB), id),
	)
	cache := s.db.CacheWrap()
	for _, k := range keys {
		if err := cache.Delete(k); err != nil {
			cache.Discard()
			return errors.Wrap(err, "delete channel")
		}
	}
	return errors.Wrap(cache.Write(), "delete channel")
}

// Close is a no-op. The owner of the underlying store closes it.
func (s *KVStore) Close() error {
	return nil
}

func (s *KVStore) put(db store.SetDeleter, ch *channel.Channel) error {
	raw, err := proto.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "encode channel")
	}
	return errors.Wrap(db.Set(channelKey(ch.ID), raw), "put channel")
}

func (s *KVStore) append(db store.SetDeleter, h *channel.SignedState) error {
	raw, err := proto.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrap(db.Set(historyKey(h.State.ChannelID, h.State.Nonce), raw), "append history")
}
