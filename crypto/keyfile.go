package crypto

import (
	stded25519 "crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/iov-one/paychan/errors"
)

const pemPrivateKey = "PRIVATE KEY"

// LoadOrCreateKey loads the PKCS8 PEM encoded private key stored at path. If
// the file does not exist or is empty, a new key is generated and written
// with 0600 permissions.
func LoadOrCreateKey(path string) (PrivateKey, error) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return createKey(path)
	case err != nil:
		return nil, errors.Wrap(err, "stat key file")
	case info.Size() == 0:
		return createKey(path)
	}
	return LoadKey(path)
}

// LoadKey reads a PKCS8 PEM encoded ed25519 private key.
func LoadKey(path string) (PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemPrivateKey {
		return nil, errors.ErrInvalidKey.New("no private key PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidKey, err.Error())
	}
	priv, ok := key.(stded25519.PrivateKey)
	if !ok {
		return nil, errors.ErrInvalidKey.Newf("not an ed25519 key: %T", key)
	}
	return PrivateKey(priv), nil
}

func createKey(path string) (PrivateKey, error) {
	priv := GenerateKey()
	der, err := x509.MarshalPKCS8PrivateKey(stded25519.PrivateKey(priv))
	if err != nil {
		return nil, errors.Wrap(err, "marshal key")
	}
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "create key file")
	}
	defer fd.Close()
	if err := pem.Encode(fd, &pem.Block{Type: pemPrivateKey, Bytes: der}); err != nil {
		return nil, errors.Wrap(err, "write key file")
	}
	return priv, nil
}
