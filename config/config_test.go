package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iov-one/paychan/errors"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "paychan.key", c.KeyFile)
	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, DriverLevelDB, c.Store.Driver)
	require.Equal(t, 24*time.Hour, c.Relay.Retention)
	require.Equal(t, 1024, c.Relay.QueueLimit)
	require.Equal(t, 30*time.Second, c.Engine.ProposalTimeout)
	require.Equal(t, PolicyAlways, c.Engine.AcceptPolicy)
	require.Equal(t, int64(65536), c.Engine.SeenCacheSize)
	require.Equal(t, 500*time.Millisecond, c.Settlement.Backoff)
	require.Equal(t, "http://127.0.0.1:8480/ledger", c.Settlement.Endpoint)
	require.Equal(t, 10*time.Second, c.Settlement.Timeout)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paychand.yaml")
	file := []byte(`
store:
  driver: sqlite
  path: /var/lib/paychan/channels.db
engine:
  accept_policy: only-incoming
  proposal_timeout: 5s
`)
	require.NoError(t, os.WriteFile(path, file, 0600))
	t.Setenv("PAYCHAN_ENGINE_PROPOSAL_TIMEOUT", "2s")
	t.Setenv("PAYCHAN_RELAY_BIND", "0.0.0.0:9000")

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, DriverSQLite, c.Store.Driver)
	require.Equal(t, "/var/lib/paychan/channels.db", c.Store.Path)
	require.Equal(t, PolicyOnlyIncoming, c.Engine.AcceptPolicy)
	require.Equal(t, 2*time.Second, c.Engine.ProposalTimeout)
	require.Equal(t, "0.0.0.0:9000", c.Relay.Bind)
	// Untouched keys keep their default.
	require.Equal(t, 5, c.Settlement.Retries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, errors.ErrInvalidInput.Is(err))
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(*Config)
		wantErr bool
	}{
		"defaults": {
			mutate: func(*Config) {},
		},
		"memory store needs no path": {
			mutate: func(c *Config) {
				c.Store.Driver = DriverMemory
				c.Store.Path = ""
			},
		},
		"no key file": {
			mutate:  func(c *Config) { c.KeyFile = "" },
			wantErr: true,
		},
		"unknown log level": {
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		"unknown driver": {
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: true,
		},
		"leveldb without path": {
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		"no retention": {
			mutate:  func(c *Config) { c.Relay.Retention = 0 },
			wantErr: true,
		},
		"empty mailbox": {
			mutate:  func(c *Config) { c.Relay.QueueLimit = 0 },
			wantErr: true,
		},
		"no proposal timeout": {
			mutate:  func(c *Config) { c.Engine.ProposalTimeout = 0 },
			wantErr: true,
		},
		"unknown policy": {
			mutate:  func(c *Config) { c.Engine.AcceptPolicy = "sometimes" },
			wantErr: true,
		},
		"negative retries": {
			mutate:  func(c *Config) { c.Settlement.Retries = -1 },
			wantErr: true,
		},
		"private ledger": {
			mutate: func(c *Config) {
				c.Settlement.Endpoint = ""
				c.Settlement.Timeout = 0
			},
		},
		"websocket ledger endpoint": {
			mutate:  func(c *Config) { c.Settlement.Endpoint = "ws://127.0.0.1:8480/ledger" },
			wantErr: true,
		},
		"no ledger timeout": {
			mutate:  func(c *Config) { c.Settlement.Timeout = 0 },
			wantErr: true,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			tc.mutate(c)
			err = c.Validate()
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.ErrInvalidInput.Is(err), "got %v", err)
		})
	}
}
