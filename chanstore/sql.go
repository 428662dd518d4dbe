package chanstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"

	_ "modernc.org/sqlite"
)

const busyTimeoutMs = 5000

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id      TEXT PRIMARY KEY,
	party_a BLOB NOT NULL,
	party_b BLOB NOT NULL,
	nonce   INTEGER NOT NULL,
	phase   INTEGER NOT NULL,
	record  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS channels_party_a ON channels(party_a);
CREATE INDEX IF NOT EXISTS channels_party_b ON channels(party_b);
CREATE TABLE IF NOT EXISTS history (
	channel_id   TEXT NOT NULL,
	nonce        INTEGER NOT NULL,
	committed_at INTEGER NOT NULL,
	record       BLOB NOT NULL,
	PRIMARY KEY (channel_id, nonce)
);
`

// SQLStore keeps channels in a SQLite database. Commits are guarded by a
// per channel lock and a conditional update on the stored nonce, so
// different channels are committed independently.
type SQLStore struct {
	db    *sql.DB
	locks *locker
	opts  options
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens (or creates) the database file at path. Use ":memory:" for a
// transient database.
func OpenSQL(path string, opts ...Option) (*SQLStore, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	memory := path == ":memory:"
	if !memory {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrap(err, "resolve db path")
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
		path = abs
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabase, "open sqlite: %s", err)
	}
	if memory {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.ErrDatabase, "ping sqlite: %s", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.ErrDatabase, "ensure schema: %s", err)
	}
	o.logger.Info("channel store opened", "driver", "sqlite", "path", path)
	return &SQLStore{db: db, locks: newLocker(), opts: o}, nil
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error {
	return errors.Wrap(s.db.Close(), "close sqlite")
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) load(ctx context.Context, q querier, id string) (*channel.Channel, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT record FROM channels WHERE id = ?`, id).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.ErrNotFound.Newf("channel %q", id)
	case err != nil:
		return nil, dbErr(err, "select channel")
	}
	var ch channel.Channel
	if err := proto.Unmarshal(raw, &ch); err != nil {
		return nil, errors.Wrapf(errors.ErrCorrupted, "decode channel %q: %s", id, err)
	}
	return &ch, nil
}

// Get returns the channel or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (*channel.Channel, error) {
	return s.load(ctx, s.db, id)
}

// History returns every canonical state of the channel ordered by nonce.
func (s *SQLStore) History(ctx context.Context, id string) ([]*channel.SignedState, error) {
	if _, err := s.load(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM history WHERE channel_id = ? ORDER BY nonce ASC`, id)
	if err != nil {
		return nil, dbErr(err, "select history")
	}
	defer rows.Close()

	var res []*channel.SignedState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, dbErr(err, "scan history")
		}
		var h channel.SignedState
		if err := proto.Unmarshal(raw, &h); err != nil {
			return nil, errors.Wrapf(errors.ErrCorrupted, "decode history of %q: %s", id, err)
		}
		res = append(res, &h)
	}
	return res, dbErr(rows.Err(), "iterate history")
}

// List returns all channels the party is a member of, ordered by id.
func (s *SQLStore) List(ctx context.Context, party paychan.Address) ([]*channel.Channel, error) {
	if err := party.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM channels WHERE party_a = ? OR party_b = ? ORDER BY id ASC`,
		[]byte(party), []byte(party))
	if err != nil {
		return nil, dbErr(err, "select channels")
	}
	defer rows.Close()

	var res []*channel.Channel
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, dbErr(err, "scan channel")
		}
		var ch channel.Channel
		if err := proto.Unmarshal(raw, &ch); err != nil {
			return nil, errors.Wrapf(errors.ErrCorrupted, "decode channel: %s", err)
		}
		res = append(res, &ch)
	}
	return res, dbErr(rows.Err(), "iterate channels")
}

// Create persists a funded channel and its nonce zero history entry.
func (s *SQLStore) Create(ctx context.Context, ch *channel.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.Nonce() != 0 || ch.Phase != channel.PhaseOpen {
		return errors.ErrInvalidState.New("new channels start open at nonce zero")
	}
	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	ch = ch.Clone()
	now := s.opts.now().UnixNano()
	ch.CreatedAt = now
	ch.Canonical.CommittedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE id = ?`, ch.ID).Scan(&exists)
		if err != nil {
			return dbErr(err, "count channels")
		}
		if exists > 0 {
			return errors.ErrDuplicate.Newf("channel %q", ch.ID)
		}
		raw, err := proto.Marshal(ch)
		if err != nil {
			return errors.Wrap(err, "encode channel")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO channels (id, party_a, party_b, nonce, phase, record) VALUES (?, ?, ?, ?, ?, ?)`,
			ch.ID, []byte(ch.Address(channel.RoleA)), []byte(ch.Address(channel.RoleB)),
			int64(ch.Nonce()), int64(ch.Phase), raw)
		if err != nil {
			return dbErr(err, "insert channel")
		}
		return s.appendTx(ctx, tx, ch.Canonical)
	})
}

// CompareAndCommit makes next canonical if the stored nonce equals
// expectedNonce.
func (s *SQLStore) CompareAndCommit(ctx context.Context, id string, expectedNonce uint64, next *channel.SignedState) (CommitResult, error) {
	if err := validateNext(id, expectedNonce, next); err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	var res CommitResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ch, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err = checkCommit(ch, expectedNonce, next)
		if err != nil || res == Conflict {
			return err
		}

		committed := proto.Clone(next).(*channel.SignedState)
		committed.CommittedAt = s.opts.now().UnixNano()
		ch.Canonical = committed
		raw, err := proto.Marshal(ch)
		if err != nil {
			return errors.Wrap(err, "encode channel")
		}
		out, err := tx.ExecContext(ctx,
			`UPDATE channels SET nonce = ?, record = ? WHERE id = ? AND nonce = ? AND phase = ?`,
			int64(committed.State.Nonce), raw, id, int64(expectedNonce), int64(channel.PhaseOpen))
		if err != nil {
			return dbErr(err, "update channel")
		}
		if n, err := out.RowsAffected(); err != nil {
			return dbErr(err, "rows affected")
		} else if n == 0 {
			res = Conflict
			return nil
		}
		return s.appendTx(ctx, tx, committed)
	})
	if err != nil {
		return 0, err
	}
	if res == Committed {
		s.opts.logger.Debug("state committed", "channel", id, "nonce", next.State.Nonce)
	}
	return res, nil
}

// SetPhase moves a channel between persisted phases.
func (s *SQLStore) SetPhase(ctx context.Context, id string, from, to channel.Phase) error {
	if !from.CanTransition(to) {
		return errors.ErrInvalidState.Newf("%s to %s", from, to)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		ch, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if ch.Phase != from {
			return errors.ErrConflict.Newf("channel %s is %s, not %s", id, ch.Phase, from)
		}
		ch.Phase = to
		raw, err := proto.Marshal(ch)
		if err != nil {
			return errors.Wrap(err, "encode channel")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE channels SET phase = ?, record = ? WHERE id = ?`, int64(to), raw, id)
		return dbErr(err, "update phase")
	})
}

// Settle closes a channel with the state the settlement layer recorded.
func (s *SQLStore) Settle(ctx context.Context, id string, final *channel.SignedState) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		ch, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := applySettle(ch, final)
		if err != nil || !changed {
			return err
		}
		raw, err := proto.Marshal(ch)
		if err != nil {
			return errors.Wrap(err, "encode channel")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE channels SET phase = ?, record = ? WHERE id = ?`, int64(ch.Phase), raw, id)
		return dbErr(err, "settle channel")
	})
}

// Delete removes a channel and its history.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
		if err != nil {
			return dbErr(err, "delete channel")
		}
		if n, err := out.RowsAffected(); err != nil {
			return dbErr(err, "rows affected")
		} else if n == 0 {
			return errors.ErrNotFound.Newf("channel %q", id)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM history WHERE channel_id = ?`, id)
		return dbErr(err, "delete history")
	})
}

func (s *SQLStore) appendTx(ctx context.Context, tx *sql.Tx, h *channel.SignedState) error {
	raw, err := proto.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (channel_id, nonce, committed_at, record) VALUES (?, ?, ?, ?)`,
		h.State.ChannelID, int64(h.State.Nonce), h.CommittedAt, raw)
	return dbErr(err, "append history")
}

// inTx runs fn in a transaction that is committed only if fn succeeds.
func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return dbErr(tx.Commit(), "commit")
}

func dbErr(err error, what string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(errors.ErrDatabase, "%s: %s", what, err)
}
