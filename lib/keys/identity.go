package keys

import (
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// PrivateKeySize is the length of the persisted secret scalar.
const PrivateKeySize = 32

var (
	// ErrCorruptKeyMaterial is returned when persisted bytes are not a valid secp256k1 secret.
	ErrCorruptKeyMaterial = errors.New("corrupt key material")
	// ErrInvalidAddress is returned for public keys that are not 32-byte x-only hex.
	ErrInvalidAddress = errors.New("invalid public key address")
)

// Identity is a secp256k1 keypair. The public key is always derived from the
// private key and never stored separately.
type Identity struct {
	priv *btcec.PrivateKey
}

// NewIdentity wraps raw secret bytes, validating them as a secp256k1 scalar.
func NewIdentity(secret []byte) (*Identity, error) {
	if err := validateSecret(secret); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	return &Identity{priv: priv}, nil
}

func validateSecret(secret []byte) error {
	if len(secret) != PrivateKeySize {
		return oops.Wrapf(ErrCorruptKeyMaterial, "expected %d bytes, got %d", PrivateKeySize, len(secret))
	}
	k := new(big.Int).SetBytes(secret)
	if k.Sign() == 0 {
		return oops.Wrapf(ErrCorruptKeyMaterial, "secret is zero")
	}
	if k.Cmp(btcec.S256().Params().N) >= 0 {
		return oops.Wrapf(ErrCorruptKeyMaterial, "secret exceeds curve order")
	}
	return nil
}

// PrivateKey returns the signing and ECDH key.
func (id *Identity) PrivateKey() *btcec.PrivateKey {
	return id.priv
}

// PublicKey returns the public counterpart of the private key.
func (id *Identity) PublicKey() *btcec.PublicKey {
	return id.priv.PubKey()
}

// XOnly returns the 32-byte BIP340 serialization of the public key.
func (id *Identity) XOnly() []byte {
	return schnorr.SerializePubKey(id.PublicKey())
}

// Address returns the hex x-only public key used as network address.
func (id *Identity) Address() string {
	return hex.EncodeToString(id.XOnly())
}

// Bytes returns a copy of the secret scalar.
func (id *Identity) Bytes() []byte {
	return id.priv.Serialize()
}

// ParseAddress parses a hex x-only public key. The returned key always has
// even Y, matching how BIP340 verifiers interpret it.
func ParseAddress(addr string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil || len(raw) != schnorr.PubKeyBytesLen {
		return nil, oops.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidAddress, "%q: %v", addr, err)
	}
	return pub, nil
}

// Address returns the hex x-only form of an arbitrary public key.
func Address(pub *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(pub))
}
