package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest/assert"
)

func TestKeyFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "party.pem")

	first, err := LoadOrCreateKey(path)
	assert.Nil(t, err)
	second, err := LoadOrCreateKey(path)
	assert.Nil(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(path)
	assert.Nil(t, err)
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file has wrong permissions: %v", info.Mode().Perm())
	}
}

func TestKeyFileEmptyIsRegenerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	assert.Nil(t, os.WriteFile(path, nil, 0600))

	key, err := LoadOrCreateKey(path)
	assert.Nil(t, err)
	assert.Nil(t, key.Validate())
}

func TestKeyFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pem")
	assert.Nil(t, os.WriteFile(path, []byte("not a pem file"), 0600))

	_, err := LoadOrCreateKey(path)
	assert.IsErr(t, errors.ErrInvalidKey, err)
}
