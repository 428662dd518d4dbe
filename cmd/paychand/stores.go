package main

import (
	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/config"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/settlement"
	"github.com/iov-one/paychan/settlement/ledger"
	"github.com/iov-one/paychan/store"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tendermint/libs/db"
)

// openStore opens the Channel Store selected by the configuration. The
// returned function releases it.
func openStore(cfg config.Store, logger log.Logger) (chanstore.Store, func() error, error) {
	logger = logger.With("module", "chanstore")
	switch cfg.Driver {
	case config.DriverMemory:
		s := chanstore.NewKVStore(store.MemStore(), chanstore.WithLogger(logger))
		return s, s.Close, nil
	case config.DriverLevelDB:
		db, err := store.NewLevelDB("channels", cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		s := chanstore.NewKVStore(db, chanstore.WithLogger(logger))
		return s, db.Close, nil
	case config.DriverSQLite:
		s, err := chanstore.OpenSQL(cfg.Path, chanstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, errors.ErrInvalidInput.Newf("store driver %q", cfg.Driver)
}

// openLedger opens the reference settlement ledger kept under dir.
func openLedger(dir string, logger log.Logger) (*ledger.Ledger, func(), error) {
	db, err := dbm.NewGoLevelDB("ledger", dir)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrDatabase, "open ledger in %s: %s", dir, err)
	}
	l, err := ledger.New(db, ledger.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return l, db.Close, nil
}

// openLayer returns the ledger served at cfg.Endpoint, or a private one
// under cfg.LedgerPath when no endpoint is configured.
func openLayer(cfg config.Settlement, logger log.Logger) (settlement.Layer, func(), error) {
	if cfg.Endpoint == "" {
		logger.Info("no settlement endpoint, using a private ledger", "path", cfg.LedgerPath)
		l, release, err := openLedger(cfg.LedgerPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, release, nil
	}
	c, err := ledger.NewClient(cfg.Endpoint, cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {}, nil
}
