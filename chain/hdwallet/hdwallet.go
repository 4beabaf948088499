// Package hdwallet derives per-(deal, party) escrow keys from the broker's
// root mnemonic. Derivation follows BIP-32 over a BIP-44 style path
// m/44'/coin'/0'/0/index, where index is computed deterministically from the
// deal ID and party so the same escrow can be re-derived after a restart
// without storing key material.
package hdwallet

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Coin types for the derivation path.
const (
	CoinBitcoin  uint32 = 0
	CoinEthereum uint32 = 60
)

// Wallet holds the BIP-32 master key derived from the root mnemonic.
type Wallet struct {
	master *hdkeychain.ExtendedKey
}

// New builds a wallet from a BIP-39 mnemonic. An optional passphrase hardens
// the seed.
func New(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Wallet{master: master}, nil
}

// EscrowIndex maps a (dealId, party) pair to a non-hardened child index. The
// top bit is cleared to stay below the hardened range.
func EscrowIndex(dealID, party string) uint32 {
	sum := sha256.Sum256([]byte(dealID + ":" + party))
	return binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff
}

// Path returns the textual derivation path used as the escrow's key reference.
func Path(coin, index uint32) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coin, index)
}

// DeriveKey derives the private key at m/44'/coin'/0'/0/index.
func (w *Wallet) DeriveKey(coin, index uint32) (*btcec.PrivateKey, error) {
	key := w.master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coin,
		hdkeychain.HardenedKeyStart,
		0,
		index,
	} {
		var err error
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("derive step %d: %w", step, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return priv, nil
}

// DeriveEscrowKey derives the escrow key for a (dealId, party) pair on the
// given coin type, returning the key, its index and the path reference.
func (w *Wallet) DeriveEscrowKey(coin uint32, dealID, party string) (*btcec.PrivateKey, uint32, string, error) {
	index := EscrowIndex(dealID, party)
	priv, err := w.DeriveKey(coin, index)
	if err != nil {
		return nil, 0, "", err
	}
	return priv, index, Path(coin, index), nil
}

// DeriveEscrowECDSA is DeriveEscrowKey converted to the stdlib curve type used
// by go-ethereum signing.
func (w *Wallet) DeriveEscrowECDSA(coin uint32, dealID, party string) (*ecdsa.PrivateKey, string, error) {
	priv, _, path, err := w.DeriveEscrowKey(coin, dealID, party)
	if err != nil {
		return nil, "", err
	}
	return priv.ToECDSA(), path, nil
}
