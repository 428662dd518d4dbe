/*
Package config loads the paychand configuration.

Defaults are embedded. A file given by path is merged on top of them and
PAYCHAN_* environment variables win over both, for example
PAYCHAN_RELAY_BIND or PAYCHAN_ENGINE_PROPOSAL_TIMEOUT.
*/
package config

import (
	"bytes"
	_ "embed"
	"net/url"
	"strings"
	"time"

	"github.com/iov-one/paychan/errors"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/log"
)

//go:embed config.yaml
var defaults []byte

// EnvPrefix prefixes the environment overrides.
const EnvPrefix = "PAYCHAN"

// Store drivers.
const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// Accept policies.
const (
	PolicyAlways          = "always"
	PolicyRejectIfPending = "reject-if-pending"
	PolicyOnlyIncoming    = "only-incoming"
)

type Config struct {
	KeyFile    string     `mapstructure:"key_file"`
	Log        Log        `mapstructure:"log"`
	Store      Store      `mapstructure:"store"`
	Relay      Relay      `mapstructure:"relay"`
	Engine     Engine     `mapstructure:"engine"`
	Settlement Settlement `mapstructure:"settlement"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	// Path is a directory for leveldb and a file for sqlite.
	Path string `mapstructure:"path"`
}

type Relay struct {
	Bind           string        `mapstructure:"bind"`
	Endpoint       string        `mapstructure:"endpoint"`
	Retention      time.Duration `mapstructure:"retention"`
	QueueLimit     int           `mapstructure:"queue_limit"`
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

type Engine struct {
	ProposalTimeout time.Duration `mapstructure:"proposal_timeout"`
	AcceptPolicy    string        `mapstructure:"accept_policy"`
	SeenCacheSize   int64         `mapstructure:"seen_cache_size"`
}

type Settlement struct {
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
	// LedgerPath is where the relay keeps the shared ledger, and where a
	// node without Endpoint keeps a ledger of its own.
	LedgerPath string        `mapstructure:"ledger_path"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load returns the defaults merged with the file at path, if not empty, and
// the environment. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "default config: %s", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "read %s: %s", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "decode config: %s", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.KeyFile == "" {
		return errors.ErrInvalidInput.New("key_file is required")
	}
	if _, err := log.AllowLevel(c.Log.Level); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "log.level: %s", err)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverLevelDB, DriverSQLite:
		if c.Store.Path == "" {
			return errors.ErrInvalidInput.Newf("store.path is required by the %s driver", c.Store.Driver)
		}
	default:
		return errors.ErrInvalidInput.Newf("store.driver %q", c.Store.Driver)
	}
	if c.Relay.Retention <= 0 || c.Relay.ExpireInterval <= 0 {
		return errors.ErrInvalidInput.New("relay.retention and relay.expire_interval must be positive")
	}
	if c.Relay.QueueLimit <= 0 {
		return errors.ErrInvalidInput.Newf("relay.queue_limit %d", c.Relay.QueueLimit)
	}
	if c.Engine.ProposalTimeout <= 0 {
		return errors.ErrInvalidInput.Newf("engine.proposal_timeout %s", c.Engine.ProposalTimeout)
	}
	switch c.Engine.AcceptPolicy {
	case PolicyAlways, PolicyRejectIfPending, PolicyOnlyIncoming:
	default:
		return errors.ErrInvalidInput.Newf("engine.accept_policy %q", c.Engine.AcceptPolicy)
	}
	if c.Engine.SeenCacheSize <= 0 {
		return errors.ErrInvalidInput.Newf("engine.seen_cache_size %d", c.Engine.SeenCacheSize)
	}
	if c.Settlement.Retries < 0 || c.Settlement.Backoff <= 0 {
		return errors.ErrInvalidInput.New("settlement.retries and settlement.backoff")
	}
	if c.Settlement.Endpoint != "" {
		u, err := url.Parse(c.Settlement.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.ErrInvalidInput.Newf("settlement.endpoint %q", c.Settlement.Endpoint)
		}
		if c.Settlement.Timeout <= 0 {
			return errors.ErrInvalidInput.Newf("settlement.timeout %s", c.Settlement.Timeout)
		}
	}
	return nil
}
