// Package keys owns the long-term secp256k1 identity of a wallet.
//
// The identity is persisted once as 32 raw bytes at <dir>/<wallet>/nostr_keys
// and reused on every later run. Its x-only public key, hex encoded, is the
// address counterparties and relays use to reach this instance.
package keys
