// Package box encrypts negotiation payloads for a single recipient.
//
// The key is derived from the secp256k1 ECDH shared point of the two
// identities, so either side computes the same key from its own private key
// and the other side's public key:
//
//	key    = HKDF-SHA256(ikm = x(own_priv * peer_pub), info = "go-ddk/dlc-message/v1")
//	sealed = nonce(24) || XChaCha20-Poly1305(key, nonce, plaintext)
package box

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var log = logger.GetGoI2PLogger()

const keyInfo = "go-ddk/dlc-message/v1"

// NonceSize is the length of the per-message nonce prefixed to the ciphertext.
const NonceSize = chacha20poly1305.NonceSizeX

// Overhead is the number of bytes Encrypt adds to a plaintext.
const Overhead = NonceSize + chacha20poly1305.Overhead

// ErrDecryptionFailed covers authentication failure, wrong keys and malformed input.
var ErrDecryptionFailed = errors.New("decryption failed")

// SharedKey derives the symmetric key shared by own and peer.
func SharedKey(own *btcec.PrivateKey, peer *btcec.PublicKey) ([]byte, error) {
	if own == nil || peer == nil {
		return nil, oops.Errorf("shared key requires both keys")
	}
	secret := btcec.GenerateSharedSecret(own, peer)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, oops.Wrapf(err, "deriving message key")
	}
	return key, nil
}

// Encrypt seals plaintext for recipient. Each call uses a fresh random nonce.
func Encrypt(own *btcec.PrivateKey, recipient *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	key, err := SharedKey(own, recipient)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, oops.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	out := make([]byte, NonceSize, Overhead+len(plaintext))
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, oops.Wrapf(err, "generating nonce")
	}
	out = aead.Seal(out, out[:NonceSize], plaintext, nil)

	log.WithFields(logger.Fields{
		"at":        "box.Encrypt",
		"plaintext": len(plaintext),
		"sealed":    len(out),
	}).Debug("sealed payload")
	return out, nil
}

// Decrypt opens a payload sealed by sender for own.
func Decrypt(own *btcec.PrivateKey, sender *btcec.PublicKey, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, oops.Wrapf(ErrDecryptionFailed, "sealed payload too short: %d bytes", len(sealed))
	}
	key, err := SharedKey(own, sender)
	if err != nil {
		return nil, oops.Wrapf(ErrDecryptionFailed, "%v", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, oops.Wrapf(ErrDecryptionFailed, "%v", err)
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, oops.Wrapf(ErrDecryptionFailed, "authentication failed")
	}
	return plaintext, nil
}

// EncryptText is Encrypt with the result in standard base64.
func EncryptText(own *btcec.PrivateKey, recipient *btcec.PublicKey, plaintext []byte) (string, error) {
	sealed, err := Encrypt(own, recipient, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptText reverses EncryptText. Invalid base64 is reported as ErrDecryptionFailed.
func DecryptText(own *btcec.PrivateKey, sender *btcec.PublicKey, text string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, oops.Wrapf(ErrDecryptionFailed, "malformed base64: %v", err)
	}
	return Decrypt(own, sender, sealed)
}
