package keys

import (
	"os"
	"path/filepath"

	"github.com/dlcdevkit/go-ddk/lib/util"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// KeyFileName is the name of the persisted secret inside a wallet directory.
const KeyFileName = "nostr_keys"

// KeyPath returns the location of the key file for a wallet.
func KeyPath(dir, name string) string {
	return filepath.Join(dir, name, KeyFileName)
}

// Load reads an existing identity. A missing file is reported with an error
// satisfying os.IsNotExist.
func Load(dir, name string) (*Identity, error) {
	path := KeyPath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id, err := NewIdentity(data)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":   "keys.Load",
			"file": path,
			"size": len(data),
		}).WithError(err).Error("stored key material is not a valid secret")
		return nil, err
	}
	return id, nil
}

// LoadOrCreate returns the persisted identity for a wallet, creating and
// writing a fresh one when none exists. A file that exists but cannot be
// parsed is never replaced, since that would silently change the address.
func LoadOrCreate(dir, name string) (*Identity, error) {
	log.WithFields(logger.Fields{
		"at":     "keys.LoadOrCreate",
		"dir":    dir,
		"wallet": name,
	}).Debug("loading identity")

	id, err := Load(dir, name)
	if err == nil {
		log.WithField("address", id.Address()).Debug("loaded existing identity")
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := store(dir, name, id); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "keys.LoadOrCreate",
		"address": id.Address(),
	}).Info("created new identity")
	return id, nil
}

// Generate draws a new secret from the system CSPRNG.
func Generate() (*Identity, error) {
	secret := make([]byte, PrivateKeySize)
	for {
		if _, err := rand.Read(secret); err != nil {
			return nil, oops.Wrapf(err, "reading random secret")
		}
		// rejection sampling; a draw outside [1, N) has probability ~2^-128
		if id, err := NewIdentity(secret); err == nil {
			return id, nil
		}
	}
}

func store(dir, name string, id *Identity) error {
	walletDir := filepath.Join(dir, name)
	if err := util.EnsureDir(walletDir); err != nil {
		return oops.Wrapf(err, "creating wallet directory %s", walletDir)
	}
	path := KeyPath(dir, name)
	// O_EXCL keeps a concurrently created key from being overwritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return oops.Wrapf(err, "creating key file %s", path)
	}
	if _, err := f.Write(id.Bytes()); err != nil {
		f.Close()
		return oops.Wrapf(err, "writing key file %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return oops.Wrapf(err, "syncing key file %s", path)
	}
	return f.Close()
}
